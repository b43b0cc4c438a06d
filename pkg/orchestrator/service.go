// Package orchestrator drives change requests through their lifecycle.
//
// A change request moves draft → generated → planned → gated →
// awaiting_approval → approved → executing → applied, with failure,
// cancellation and destroy paths. Every transition is a put-if-version
// write of the request followed by an audit record; two callers racing on
// the same request never both win. Execution holds the workspace lock for
// its whole duration.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/audit"
	"github.com/openfroyo/changeflow/pkg/authz"
	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/dispatch"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/lock"
	"github.com/openfroyo/changeflow/pkg/policy"
	"github.com/openfroyo/changeflow/pkg/stores"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

const (
	// DefaultGateTTL is how long gate results stay approvable.
	DefaultGateTTL = 24 * time.Hour
	// DefaultLockLease is the workspace lease taken for execution.
	DefaultLockLease = 5 * time.Minute
)

// Deps are the collaborators of a Service.
type Deps struct {
	KV         stores.KV
	Resolver   *blueprint.Resolver
	Gates      *policy.Evaluator
	Dispatcher *dispatch.Dispatcher
	Locks      *lock.Manager
	Audit      *audit.Recorder
	Configs    engine.TargetConfigProvider
}

func (d Deps) validate() error {
	switch {
	case d.KV == nil:
		return fmt.Errorf("store is required")
	case d.Resolver == nil:
		return fmt.Errorf("blueprint resolver is required")
	case d.Gates == nil:
		return fmt.Errorf("gate evaluator is required")
	case d.Dispatcher == nil:
		return fmt.Errorf("dispatcher is required")
	case d.Locks == nil:
		return fmt.Errorf("lock manager is required")
	case d.Audit == nil:
		return fmt.Errorf("audit recorder is required")
	case d.Configs == nil:
		return fmt.Errorf("target config provider is required")
	}
	return nil
}

// Service exposes the change request operations.
type Service struct {
	crs        *changeRequests
	resolver   *blueprint.Resolver
	gates      *policy.Evaluator
	dispatcher *dispatch.Dispatcher
	locks      *lock.Manager
	audit      *audit.Recorder
	configs    engine.TargetConfigProvider
	authz      *authz.Authorizer

	gateTTL   time.Duration
	lockLease time.Duration

	clock    engine.Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	validate *validator.Validate
	newID    func() string

	workers *workers
}

// Option configures a Service.
type Option func(*Service)

// WithAuthorizer sets the approver authorizer. Without one every
// authenticated approver is allowed.
func WithAuthorizer(a *authz.Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

// WithGateTTL sets how long gate results stay approvable.
func WithGateTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gateTTL = d
		}
	}
}

// WithLockLease sets the workspace lease taken for execution.
func WithLockLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockLease = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c engine.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "orchestrator").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// New creates a Service.
func New(deps Deps, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		crs:        &changeRequests{kv: deps.KV},
		resolver:   deps.Resolver,
		gates:      deps.Gates,
		dispatcher: deps.Dispatcher,
		locks:      deps.Locks,
		audit:      deps.Audit,
		configs:    deps.Configs,
		authz:      authz.AllowAll(),
		gateTTL:    DefaultGateTTL,
		lockLease:  DefaultLockLease,
		clock:      engine.SystemClock{},
		logger:     zerolog.Nop(),
		tracer:     telemetry.NoopTracer(),
		validate:   validator.New(),
		newID:      uuid.NewString,
		workers:    newWorkers(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a change request.
func (s *Service) Get(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	return s.crs.get(ctx, id)
}

// List returns the change requests of a workspace in id order.
func (s *Service) List(ctx context.Context, tenantID, workspaceID string) ([]*engine.ChangeRequest, error) {
	if tenantID == "" || workspaceID == "" {
		return nil, engine.NewValidationError("tenant and workspace are required")
	}
	return s.crs.listByWorkspace(ctx, tenantID, workspaceID)
}

// ListAudit returns the tenant's audit records matching filter.
func (s *Service) ListAudit(ctx context.Context, tenantID string, filter engine.AuditFilter) ([]*engine.AuditRecord, error) {
	return s.audit.List(ctx, tenantID, filter)
}

// ListRuns returns every run issued for a change request, oldest first.
func (s *Service) ListRuns(ctx context.Context, id string) ([]*engine.Run, error) {
	if _, err := s.crs.get(ctx, id); err != nil {
		return nil, err
	}
	return s.dispatcher.Runs().List(ctx, id)
}

// Gates describes the configured gate sequence.
func (s *Service) Gates() []policy.GateInfo {
	return s.gates.Gates()
}

// ListLocks returns the workspace locks currently recorded, including
// expired leases not yet recovered.
func (s *Service) ListLocks(ctx context.Context) ([]*engine.WorkspaceLock, error) {
	return s.locks.List(ctx)
}

// workers tracks the in-process worker of each change request so Cancel
// can reach it.
type workers struct {
	mu     sync.Mutex
	active map[string]*worker
}

type worker struct {
	cancel context.CancelFunc
	runID  string
}

func newWorkers() *workers {
	return &workers{active: make(map[string]*worker)}
}

// start registers a worker for id. It fails when one is already running.
func (w *workers) start(ctx context.Context, id string) (context.Context, func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.active[id]; busy {
		return nil, nil, engine.NewConflictError("change request is already being advanced", nil).WithResource(id)
	}
	ctx, cancel := context.WithCancel(ctx)
	wk := &worker{cancel: cancel}
	w.active[id] = wk
	return ctx, func() {
		w.mu.Lock()
		if w.active[id] == wk {
			delete(w.active, id)
		}
		w.mu.Unlock()
		cancel()
	}, nil
}

func (w *workers) setRun(id, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wk, ok := w.active[id]; ok {
		wk.runID = runID
	}
}

// signal cancels the worker of id and returns its in-flight run, if any.
func (w *workers) signal(id string) (runID string, found bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wk, ok := w.active[id]
	if !ok {
		return "", false
	}
	wk.cancel()
	return wk.runID, true
}
