package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/changeflow/pkg/runner"
	"github.com/openfroyo/changeflow/pkg/stores"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// CHANGEFLOW_SERVER_ADDRESS overrides server.address.
const EnvPrefix = "CHANGEFLOW"

// Runner modes.
const (
	RunnerSimulated = "simulated"
	RunnerLocal     = "local"
	RunnerSSH       = "ssh"
)

// Settings is the process configuration of the changeflow server.
type Settings struct {
	Server     ServerSettings    `mapstructure:"server"`
	Store      stores.Options    `mapstructure:"store"`
	Runner     RunnerSettings    `mapstructure:"runner"`
	Lifecycle  LifecycleSettings `mapstructure:"lifecycle"`
	Policy     PolicySettings    `mapstructure:"policy"`
	Blueprints BlueprintSettings `mapstructure:"blueprints"`
	Targets    TargetSettings    `mapstructure:"targets"`
	Telemetry  telemetry.Config  `mapstructure:"telemetry"`
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Address         string        `mapstructure:"address" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RunnerSettings selects the runner and the dispatcher's retry policy.
type RunnerSettings struct {
	Mode    string            `mapstructure:"mode" validate:"required,oneof=simulated local ssh"`
	Command string            `mapstructure:"command" validate:"required_if=Mode local"`
	Args    []string          `mapstructure:"args"`
	SSH     *runner.SSHConfig `mapstructure:"ssh" validate:"required_if=Mode ssh"`

	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	CancelGrace    time.Duration `mapstructure:"cancel_grace"`

	MaxAttempts       int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryInitial      time.Duration `mapstructure:"retry_initial" validate:"gt=0"`
	RetryMax          time.Duration `mapstructure:"retry_max" validate:"gtefield=RetryInitial"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
}

// LifecycleSettings bounds how long gate results and workspace leases last.
type LifecycleSettings struct {
	GateTTL   time.Duration `mapstructure:"gate_ttl" validate:"gt=0"`
	LockLease time.Duration `mapstructure:"lock_lease" validate:"gt=0"`
}

// PolicySettings locates operator policies and the approver model.
type PolicySettings struct {
	// Dir holds operator .rego gates. Empty disables custom gates.
	Dir         string        `mapstructure:"dir"`
	Watch       bool          `mapstructure:"watch"`
	GateTimeout time.Duration `mapstructure:"gate_timeout" validate:"gt=0"`

	// AuthzPolicy is a casbin policy CSV. Empty allows every approver.
	AuthzPolicy string `mapstructure:"authz_policy"`
}

// BlueprintSettings locates the building-block catalog.
type BlueprintSettings struct {
	// CatalogPath is a YAML catalog. Empty uses the built-in catalog.
	CatalogPath string `mapstructure:"catalog_path"`
}

// TargetSettings locates the target config CUE files.
type TargetSettings struct {
	Dir   string `mapstructure:"dir" validate:"required"`
	Watch bool   `mapstructure:"watch"`
}

// SetDefaults registers the default of every key. Keys without a default
// cannot be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.backend", stores.BackendSQLite)
	v.SetDefault("store.path", "changeflow.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_namespace", "changeflow")

	v.SetDefault("runner.mode", RunnerSimulated)
	v.SetDefault("runner.command", "")
	v.SetDefault("runner.startup_timeout", runner.DefaultStartupTimeout)
	v.SetDefault("runner.command_timeout", runner.DefaultCommandTimeout)
	v.SetDefault("runner.cancel_grace", runner.DefaultCancelGrace)
	v.SetDefault("runner.max_attempts", 3)
	v.SetDefault("runner.retry_initial", time.Second)
	v.SetDefault("runner.retry_max", 30*time.Second)
	v.SetDefault("runner.heartbeat_interval", 30*time.Second)

	v.SetDefault("lifecycle.gate_ttl", 24*time.Hour)
	v.SetDefault("lifecycle.lock_lease", 2*time.Minute)

	v.SetDefault("policy.dir", "")
	v.SetDefault("policy.watch", false)
	v.SetDefault("policy.gate_timeout", 5*time.Second)
	v.SetDefault("policy.authz_policy", "")

	v.SetDefault("blueprints.catalog_path", "")

	v.SetDefault("targets.dir", "targets")
	v.SetDefault("targets.watch", false)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.environment", tel.Environment)
	v.SetDefault("telemetry.logging.level", tel.Logging.Level)
	v.SetDefault("telemetry.logging.format", tel.Logging.Format)
	v.SetDefault("telemetry.logging.output", tel.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", tel.Logging.EnableCaller)
	v.SetDefault("telemetry.tracing.enabled", tel.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", tel.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", tel.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", tel.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.export_timeout", tel.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", tel.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", tel.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.path", tel.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", tel.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", tel.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", tel.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", tel.Events.BufferSize)
}

// Binder attaches extra sources, such as command flags, to v before the
// settings are decoded.
type Binder func(v *viper.Viper) error

// Load reads settings from path (or changeflow.yaml in the working
// directory and /etc/changeflow when path is empty), applies CHANGEFLOW_*
// environment overrides and validates the result.
func Load(path string, binders ...Binder) (*Settings, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("changeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/changeflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for _, bind := range binders {
		if err := bind(v); err != nil {
			return nil, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Store.Backend == stores.BackendRedis && s.Store.RedisURL == "" {
		return fmt.Errorf("invalid settings: store.redis_url is required for the redis backend")
	}
	if s.Store.Backend == stores.BackendSQLite && s.Store.Path == "" {
		return fmt.Errorf("invalid settings: store.path is required for the sqlite backend")
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return nil
}
