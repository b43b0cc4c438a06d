// Package app assembles a changeflow server from its settings: the store,
// the runner, the gate evaluator, the orchestrator and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/api"
	"github.com/openfroyo/changeflow/pkg/audit"
	"github.com/openfroyo/changeflow/pkg/authz"
	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/config"
	"github.com/openfroyo/changeflow/pkg/dispatch"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/lock"
	"github.com/openfroyo/changeflow/pkg/orchestrator"
	"github.com/openfroyo/changeflow/pkg/policy"
	"github.com/openfroyo/changeflow/pkg/runner"
	"github.com/openfroyo/changeflow/pkg/stores"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

// App is an assembled changeflow server.
type App struct {
	Settings  *config.Settings
	Telemetry *telemetry.Telemetry
	Store     stores.Store
	Targets   *config.TargetStore
	Service   *orchestrator.Service
	Handler   http.Handler

	logger  zerolog.Logger
	events  zerolog.Logger
	closers []func() error
}

// New builds the server described by s. Watchers started for policies and
// target configs stop when ctx is done.
func New(ctx context.Context, s *config.Settings) (a *App, err error) {
	tel, err := telemetry.NewTelemetry(&s.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &App{Settings: s, Telemetry: tel, logger: tel.Logger.Zerolog(),
		events: tel.Logger.NewComponentLogger("events").Zerolog()}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.WithoutCancel(ctx)) })

	store, err := stores.Open(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	catalog := blueprint.DefaultCatalog()
	if s.Blueprints.CatalogPath != "" {
		if catalog, err = blueprint.LoadCatalog(s.Blueprints.CatalogPath); err != nil {
			return nil, err
		}
	}

	gates, err := a.gates(ctx, catalog)
	if err != nil {
		return nil, err
	}

	a.Targets = config.NewTargetStore(s.Targets.Dir, a.logger)
	if err := a.Targets.Load(); err != nil {
		return nil, err
	}
	if s.Targets.Watch {
		if err := a.Targets.Watch(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Targets.Close)
	}

	approvers := authz.AllowAll()
	if s.Policy.AuthzPolicy != "" {
		if approvers, err = authz.NewAuthorizer(s.Policy.AuthzPolicy, a.logger); err != nil {
			return nil, err
		}
	}

	run, err := a.runner(s.Runner)
	if err != nil {
		return nil, err
	}

	locks := lock.NewManager(store,
		lock.WithDefaultLease(s.Lifecycle.LockLease),
		lock.WithLogger(a.logger),
		lock.WithMetrics(tel.Metrics))
	dispatcher := dispatch.New(run, store,
		dispatch.WithRetry(s.Runner.MaxAttempts, s.Runner.RetryInitial, s.Runner.RetryMax),
		dispatch.WithLockHeartbeat(locks, s.Runner.HeartbeatInterval, s.Lifecycle.LockLease),
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(tel.Metrics),
		dispatch.WithTracer(tel.Tracer))
	resolver := blueprint.NewResolver(catalog, blueprint.NewRepository(store),
		blueprint.WithLogger(a.logger),
		blueprint.WithMetrics(tel.Metrics))

	a.Service, err = orchestrator.New(orchestrator.Deps{
		KV:         store,
		Resolver:   resolver,
		Gates:      gates,
		Dispatcher: dispatcher,
		Locks:      locks,
		Audit:      audit.NewRecorder(store, audit.WithLogger(a.logger)),
		Configs:    a.Targets,
	},
		orchestrator.WithAuthorizer(approvers),
		orchestrator.WithGateTTL(s.Lifecycle.GateTTL),
		orchestrator.WithLockLease(s.Lifecycle.LockLease),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(tel.Metrics),
		orchestrator.WithTracer(tel.Tracer),
		orchestrator.WithEvents(tel.Events))
	if err != nil {
		return nil, err
	}

	tel.Events.Subscribe(a.logEvent, nil)

	opts := []api.Option{api.WithLogger(a.logger), api.WithHealthCheck(store.HealthCheck)}
	if s.Telemetry.Metrics.Enabled {
		opts = append(opts, api.WithMetricsHandler(tel.Metrics.Handler()))
	}
	a.Handler = api.NewServer(a.Service, opts...)
	return a, nil
}

func (a *App) gates(ctx context.Context, catalog *blueprint.Catalog) (*policy.Evaluator, error) {
	tel := a.Telemetry
	gates, err := policy.NewEvaluator(catalog,
		policy.WithGateTimeout(a.Settings.Policy.GateTimeout),
		policy.WithLogger(a.logger),
		policy.WithMetrics(tel.Metrics),
		policy.WithTracer(tel.Tracer))
	if err != nil {
		return nil, err
	}

	dir := a.Settings.Policy.Dir
	if dir == "" {
		return gates, nil
	}
	loader := policy.NewLoader(dir, a.logger)
	if err := loader.Apply(ctx, gates); err != nil {
		return nil, err
	}
	if a.Settings.Policy.Watch {
		if err := loader.Watch(ctx, gates); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, loader.Close)
	}
	return gates, nil
}

// runner builds the configured runner. Process-backed runners speak the
// runner protocol over a local child process or an SSH session.
func (a *App) runner(s config.RunnerSettings) (engine.Runner, error) {
	var transport runner.Transport
	switch s.Mode {
	case config.RunnerSimulated, "":
		a.logger.Warn().Msg("using the simulated runner; no infrastructure will be changed")
		return runner.NewSimulated(), nil
	case config.RunnerLocal:
		transport = &runner.LocalTransport{Command: s.Command, Args: s.Args}
	case config.RunnerSSH:
		if s.SSH == nil {
			return nil, fmt.Errorf("ssh runner settings are required")
		}
		ssh, err := runner.NewSSHTransport(*s.SSH, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ssh.Close)
		transport = ssh
	default:
		return nil, fmt.Errorf("unknown runner mode: %s", s.Mode)
	}

	return runner.NewClient(runner.Config{
		Transport:      transport,
		StartupTimeout: s.StartupTimeout,
		CommandTimeout: s.CommandTimeout,
		CancelGrace:    s.CancelGrace,
		Logger:         a.logger,
	})
}

func (a *App) logEvent(ev telemetry.Event) {
	a.events.Info().
		Str("event", ev.Type).
		Str("tenant_id", ev.TenantID).
		Str("change_request_id", ev.ChangeRequestID).
		Str("from", ev.From).
		Str("to", ev.To).
		Msg("lifecycle event")
}

// Serve runs the HTTP API on the configured address until ctx is done,
// then drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Settings.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Settings.Server.Address, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      a.Handler,
		ReadTimeout:  a.Settings.Server.ReadTimeout,
		WriteTimeout: a.Settings.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("address", ln.Addr().String()).Msg("changeflow API listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Settings.Server.ShutdownTimeout)
	defer cancel()
	a.logger.Info().Msg("shutting down API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API: %w", err)
	}
	return nil
}

// Close releases everything New opened, newest first.
func (a *App) Close(_ context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
