package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/changeflow/pkg/app"
	"github.com/openfroyo/changeflow/pkg/config"
)

// serveFlags maps serve flags to settings keys.
var serveFlags = map[string]string{
	"address":     "server.address",
	"runner":      "runner.mode",
	"store":       "store.backend",
	"store-path":  "store.path",
	"redis-url":   "store.redis_url",
	"targets-dir": "targets.dir",
	"policy-dir":  "policy.dir",
	"log-level":   "telemetry.logging.level",
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the changeflow server",
		Long: `Run the changeflow server and its HTTP API.

Settings come from the config file (--config, or changeflow.yaml in the
working directory or /etc/changeflow), then CHANGEFLOW_* environment
variables, then the flags below. Nested keys use underscores in the
environment: CHANGEFLOW_LIFECYCLE_GATE_TTL=12h sets lifecycle.gate_ttl.`,
		Example: `  # Serve with the simulated runner and a local SQLite store
  changeflow serve --targets-dir ./targets

  # Serve with custom Rego gates and a Redis store
  changeflow serve --policy-dir ./policies --store redis --redis-url redis://localhost:6379/0

  # Use a config file
  changeflow serve --config /etc/changeflow/changeflow.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath, bindServeFlags(cmd))
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings)
		},
	}

	cmd.Flags().String("address", "", "listen address (host:port)")
	cmd.Flags().String("runner", "", "runner mode: simulated, local or ssh")
	cmd.Flags().String("store", "", "store backend: sqlite, redis or memory")
	cmd.Flags().String("store-path", "", "SQLite database path")
	cmd.Flags().String("redis-url", "", "Redis connection URL")
	cmd.Flags().String("targets-dir", "", "directory of target config CUE files")
	cmd.Flags().String("policy-dir", "", "directory of custom Rego gates")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")

	return cmd
}

// bindServeFlags binds the flags that were set, so unset flags never
// shadow the file or the environment.
func bindServeFlags(cmd *cobra.Command) config.Binder {
	return func(v *viper.Viper) error {
		for name, key := range serveFlags {
			flag := cmd.Flags().Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}
		return nil
	}
}

func serve(ctx context.Context, settings *config.Settings) error {
	a, err := app.New(ctx, settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to release resources")
		}
	}()
	return a.Serve(ctx)
}
