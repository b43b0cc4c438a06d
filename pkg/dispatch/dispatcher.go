// Package dispatch invokes the external runner for plan, apply and destroy
// operations and normalizes what comes back.
//
// Every attempt is recorded as its own Run. Transient failures are retried
// with exponential backoff up to a fixed attempt cap; anything else ends
// the dispatch on the first attempt. Successful plans carry the
// fingerprint of their changes summary.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/lock"
	"github.com/openfroyo/changeflow/pkg/stores"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultHeartbeat       = time.Minute
)

// Request is one operation to dispatch.
type Request struct {
	ChangeRequestID string
	TenantID        string
	WorkspaceID     string
	Operation       engine.OperationKind
	Payload         json.RawMessage

	// LockHolder, when set, is renewed on the workspace lock while the
	// runner works.
	LockHolder string

	// OnAttempt, when set, is called with each run before the runner is
	// invoked.
	OnAttempt func(run *engine.Run)
}

// Outcome is the normalized result of a dispatch.
type Outcome struct {
	// Status is the status of the last attempt.
	Status engine.RunStatus

	// Runs are the attempts made, oldest first.
	Runs []*engine.Run

	ChangesSummary  *engine.ChangesSummary
	PlanFingerprint string
	LogRef          string
	Detail          string

	// Err is set when Status is not succeeded.
	Err *engine.EngineError
}

// Last returns the final attempt.
func (o *Outcome) Last() *engine.Run {
	if len(o.Runs) == 0 {
		return nil
	}
	return o.Runs[len(o.Runs)-1]
}

// RunIDs returns the ids of every attempt.
func (o *Outcome) RunIDs() []string {
	ids := make([]string, len(o.Runs))
	for i, r := range o.Runs {
		ids[i] = r.ID
	}
	return ids
}

// Dispatcher runs operations against an engine.Runner.
type Dispatcher struct {
	runner engine.Runner
	runs   *RunStore
	locks  *lock.Manager

	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	heartbeat       time.Duration
	lease           time.Duration

	clock   engine.Clock
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	newID   func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the attempt cap and the backoff intervals.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if initial > 0 {
			d.initialInterval = initial
		}
		if max > 0 {
			d.maxInterval = max
		}
	}
}

// WithLockHeartbeat renews held workspace locks every interval for lease
// while a run is in flight.
func WithLockHeartbeat(locks *lock.Manager, interval, lease time.Duration) Option {
	return func(d *Dispatcher) {
		d.locks = locks
		if interval > 0 {
			d.heartbeat = interval
		}
		d.lease = lease
	}
}

// WithClock sets the clock stamped on runs.
func WithClock(c engine.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "dispatcher").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a dispatcher that records runs in kv.
func New(runner engine.Runner, kv stores.KV, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:          runner,
		runs:            NewRunStore(kv),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		heartbeat:       DefaultHeartbeat,
		clock:           engine.SystemClock{},
		logger:          zerolog.Nop(),
		tracer:          telemetry.NoopTracer(),
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Runs returns the run store.
func (d *Dispatcher) Runs() *RunStore { return d.runs }

// Dispatch invokes the runner until the operation succeeds, fails for
// good, or the attempt cap is reached. The returned error is reserved for
// failures to record runs; runner failures are reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, engine.NewValidationError(err.Error())
	}
	if req.ChangeRequestID == "" || req.WorkspaceID == "" {
		return nil, engine.NewValidationError("change request id and workspace id are required")
	}

	ctx, cancelHeartbeat := d.startHeartbeat(ctx, req)
	defer cancelHeartbeat()

	log := d.logger.With().
		Str("change_request_id", req.ChangeRequestID).
		Str("workspace_id", req.WorkspaceID).
		Str("operation", string(req.Operation)).
		Logger()

	outcome := &Outcome{}
	var storeErr error

	attempt := func() error {
		run, err := d.attempt(ctx, req, len(outcome.Runs)+1, outcome)
		if run != nil {
			outcome.Runs = append(outcome.Runs, run)
		}
		if err != nil {
			if errors.Is(err, errStore) {
				storeErr = err
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialInterval
	bo.MaxInterval = d.maxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Int("attempt", len(outcome.Runs)).Msg("runner attempt failed, retrying")
	})
	if storeErr != nil {
		return nil, storeErr
	}

	switch {
	case err == nil:
		outcome.Status = engine.RunStatusSucceeded
	case outcome.Status == engine.RunStatusTransientError && ctx.Err() != nil:
		outcome.Err = engine.NewCancelled(req.ChangeRequestID)
	case outcome.Status == engine.RunStatusTransientError:
		outcome.Err = engine.NewExecutionError(true,
			fmt.Sprintf("%s failed after %d attempts: %s", req.Operation, len(outcome.Runs), outcome.Detail), nil).
			WithOperation(string(req.Operation))
	default:
		outcome.Err = asEngineError(err, req.Operation)
	}

	log.Info().
		Str("status", string(outcome.Status)).
		Int("attempts", len(outcome.Runs)).
		Msg("dispatch finished")
	return outcome, nil
}

var errStore = errors.New("run store failure")

// attempt performs one runner invocation and records it. A nil error means
// success; a permanent backoff error ends the dispatch.
func (d *Dispatcher) attempt(ctx context.Context, req Request, n int, outcome *Outcome) (*engine.Run, error) {
	run := &engine.Run{
		ID:              d.newID(),
		ChangeRequestID: req.ChangeRequestID,
		WorkspaceID:     req.WorkspaceID,
		Operation:       req.Operation,
		Attempt:         n,
		Status:          engine.RunStatusRunning,
		StartedAt:       d.clock.Now(),
	}
	if err := d.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: %v", errStore, err)
	}

	if req.OnAttempt != nil {
		req.OnAttempt(run)
	}

	ctx, span := d.tracer.StartRunSpan(ctx, run.ID, string(req.Operation), n)
	start := time.Now()
	d.metrics.ExecutionStarted()
	res, runErr := d.runner.Run(ctx, engine.RunRequest{
		RunID:           run.ID,
		ChangeRequestID: req.ChangeRequestID,
		Operation:       req.Operation,
		WorkspaceID:     req.WorkspaceID,
		Payload:         req.Payload,
	})
	d.metrics.ExecutionFinished()

	verdict := d.classify(ctx, run, res, runErr)
	end := d.clock.Now()
	run.EndedAt = &end
	if run.Status == engine.RunStatusUnknown {
		run.EndedAt = nil
	}

	outcome.Status = run.Status
	outcome.LogRef = run.LogRef
	outcome.Detail = run.Detail
	if run.Status == engine.RunStatusSucceeded {
		outcome.ChangesSummary = run.ChangesSummary
		outcome.PlanFingerprint = run.PlanFingerprint
	}

	d.metrics.RecordRunnerAttempt(string(req.Operation), string(run.Status), time.Since(start))
	telemetry.End(span, verdict)

	// The record must reflect the outcome even when the caller gave up.
	if err := d.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("%w: %v", errStore, err)
	}
	return run, verdict
}

// classify maps a runner answer onto the run and returns the attempt's
// verdict for the retry loop.
func (d *Dispatcher) classify(ctx context.Context, run *engine.Run, res *engine.RunResult, runErr error) error {
	switch {
	case runErr != nil && ctx.Err() != nil:
		// The runner never acknowledged; the outcome must be reconciled.
		run.Status = engine.RunStatusUnknown
		run.Detail = runErr.Error()
		return backoff.Permanent(engine.NewReconciliationUnknown(run.ID, runErr))

	case runErr != nil && engine.IsPermanent(runErr):
		run.Status = engine.RunStatusFatalError
		run.Detail = runErr.Error()
		return backoff.Permanent(runErr)

	case runErr != nil:
		run.Status = engine.RunStatusTransientError
		run.Detail = runErr.Error()
		return runErr

	case res == nil:
		run.Status = engine.RunStatusFatalError
		run.Detail = "runner returned no result"
		return backoff.Permanent(engine.NewExecutionError(false, run.Detail, nil))
	}

	run.LogRef = res.LogRef
	run.Detail = res.Message

	switch res.Status {
	case engine.RunnerSuccess:
		run.Status = engine.RunStatusSucceeded
		if res.ChangesSummary != nil {
			fp, err := engine.PlanFingerprint(res.ChangesSummary)
			if err != nil {
				run.Status = engine.RunStatusFatalError
				run.Detail = err.Error()
				return backoff.Permanent(engine.NewInternalError("failed to fingerprint plan", err))
			}
			run.ChangesSummary = res.ChangesSummary
			run.PlanFingerprint = fp
		} else if run.Operation == engine.OperationPlan {
			run.Status = engine.RunStatusFatalError
			run.Detail = "plan succeeded without a changes summary"
			return backoff.Permanent(engine.NewExecutionError(false, run.Detail, nil))
		}
		return nil

	case engine.RunnerTransientError:
		run.Status = engine.RunStatusTransientError
		return engine.NewExecutionError(true, res.Message, nil)

	case engine.RunnerCancelled:
		run.Status = engine.RunStatusCancelled
		return backoff.Permanent(engine.NewCancelled(run.ChangeRequestID))

	case engine.RunnerFatalError:
		run.Status = engine.RunStatusFatalError
		return backoff.Permanent(engine.NewExecutionError(false, res.Message, nil))

	default:
		run.Status = engine.RunStatusFatalError
		run.Detail = fmt.Sprintf("runner reported unknown status %q", res.Status)
		return backoff.Permanent(engine.NewExecutionError(false, run.Detail, nil))
	}
}

func asEngineError(err error, op engine.OperationKind) *engine.EngineError {
	if e, ok := engine.AsEngineError(err); ok {
		return e
	}
	return engine.NewExecutionError(false, err.Error(), err).WithOperation(string(op))
}

// startHeartbeat renews the workspace lock while the dispatch runs. Losing
// the lock cancels the returned context.
func (d *Dispatcher) startHeartbeat(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if d.locks == nil || req.LockHolder == "" {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	ticker := time.NewTicker(d.heartbeat)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := d.locks.Renew(ctx, req.WorkspaceID, req.LockHolder, d.lease)
				if err == nil {
					continue
				}
				if engine.IsLockConflict(err) || engine.IsNotFound(err) {
					d.logger.Error().Err(err).
						Str("workspace_id", req.WorkspaceID).
						Str("holder", req.LockHolder).
						Msg("workspace lock lost during run")
					cancel(err)
					return
				}
				d.logger.Warn().Err(err).Str("workspace_id", req.WorkspaceID).Msg("lock renewal failed")
			}
		}
	}()

	return ctx, func() {
		close(done)
		cancel(nil)
	}
}

// Reconcile asks the runner for the true outcome of a run left running or
// unknown and records it. A run that stays unknown is a
// RECONCILIATION_UNKNOWN error.
func (d *Dispatcher) Reconcile(ctx context.Context, runID string) (*engine.Run, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsActive() {
		return run, nil
	}

	status := engine.RunStatusUnknown
	var reconcileErr error
	if rec, ok := d.runner.(engine.RunReconciler); ok {
		status, reconcileErr = rec.Reconcile(ctx, *run)
		if reconcileErr != nil {
			d.logger.Warn().Err(reconcileErr).Str("run_id", runID).Msg("reconcile failed")
			status = engine.RunStatusUnknown
		}
	}

	run.Status = status
	if status != engine.RunStatusUnknown {
		end := d.clock.Now()
		run.EndedAt = &end
		run.Detail = "reconciled with runner"
	}
	if err := d.runs.Update(ctx, run); err != nil {
		return nil, err
	}

	d.logger.Info().Str("run_id", runID).Str("status", string(status)).Msg("run reconciled")
	if status == engine.RunStatusUnknown {
		return run, engine.NewReconciliationUnknown(runID, reconcileErr)
	}
	return run, nil
}

// MarkUnknown records that a run's outcome was lost, e.g. because its
// worker's lease was taken over.
func (d *Dispatcher) MarkUnknown(ctx context.Context, runID string) (*engine.Run, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != engine.RunStatusRunning {
		return run, nil
	}
	run.Status = engine.RunStatusUnknown
	if err := d.runs.Update(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Cancel forwards best-effort cancellation to runners that accept it.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	c, ok := d.runner.(engine.RunCanceller)
	if !ok {
		return nil
	}
	return c.Cancel(ctx, runID)
}
