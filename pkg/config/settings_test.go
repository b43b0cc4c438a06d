package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/stores"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", s.Server.Address)
	assert.Equal(t, stores.BackendSQLite, s.Store.Backend)
	assert.Equal(t, RunnerSimulated, s.Runner.Mode)
	assert.Equal(t, 3, s.Runner.MaxAttempts)
	assert.Equal(t, 24*time.Hour, s.Lifecycle.GateTTL)
	assert.Equal(t, 2*time.Minute, s.Lifecycle.LockLease)
	assert.Equal(t, "targets", s.Targets.Dir)
	assert.Equal(t, "changeflow", s.Telemetry.ServiceName)
	assert.Equal(t, "info", s.Telemetry.Logging.Level)
	assert.Nil(t, s.Runner.SSH)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changeflow.yaml")
	writeFile(t, dir, "changeflow.yaml", `
server:
  address: 0.0.0.0:9090
store:
  backend: memory
lifecycle:
  gate_ttl: 2h
runner:
  mode: local
  command: /usr/local/bin/stub-runner
  args: ["--name", "stub"]
telemetry:
  logging:
    level: debug
    format: json
`)
	t.Setenv("CHANGEFLOW_LIFECYCLE_LOCK_LEASE", "45s")
	t.Setenv("CHANGEFLOW_RUNNER_MAX_ATTEMPTS", "5")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", s.Server.Address)
	assert.Equal(t, stores.BackendMemory, s.Store.Backend)
	assert.Equal(t, 2*time.Hour, s.Lifecycle.GateTTL)
	assert.Equal(t, 45*time.Second, s.Lifecycle.LockLease)
	assert.Equal(t, RunnerLocal, s.Runner.Mode)
	assert.Equal(t, "/usr/local/bin/stub-runner", s.Runner.Command)
	assert.Equal(t, []string{"--name", "stub"}, s.Runner.Args)
	assert.Equal(t, 5, s.Runner.MaxAttempts)
	assert.Equal(t, "debug", s.Telemetry.Logging.Level)
	assert.Equal(t, "json", s.Telemetry.Logging.Format)
}

func TestLoad_Binder(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := Load("", func(v *viper.Viper) error {
		v.Set("server.address", "localhost:7000")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:7000", s.Server.Address)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown backend",
			env:     map[string]string{"CHANGEFLOW_STORE_BACKEND": "postgres"},
			wantErr: "Backend",
		},
		{
			name:    "redis without url",
			env:     map[string]string{"CHANGEFLOW_STORE_BACKEND": "redis"},
			wantErr: "redis_url",
		},
		{
			name:    "local runner without command",
			env:     map[string]string{"CHANGEFLOW_RUNNER_MODE": "local"},
			wantErr: "Command",
		},
		{
			name:    "ssh runner without host",
			env:     map[string]string{"CHANGEFLOW_RUNNER_MODE": "ssh"},
			wantErr: "SSH",
		},
		{
			name:    "zero gate ttl",
			env:     map[string]string{"CHANGEFLOW_LIFECYCLE_GATE_TTL": "0s"},
			wantErr: "GateTTL",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"CHANGEFLOW_TELEMETRY_LOGGING_LEVEL": "loud"},
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
