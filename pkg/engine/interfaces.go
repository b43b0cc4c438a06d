package engine

import (
	"context"
	"sync"
	"time"
)

// Runner is the external execution engine (e.g. a terraform wrapper).
// Implementations must be safe for concurrent use across workspaces.
type Runner interface {
	// Run performs one operation and reports its outcome. A returned error
	// means the runner could not be reached or did not answer; it is
	// classified by the dispatcher.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunReconciler is implemented by runners that can report the true outcome
// of a run whose status was lost, e.g. after an orchestrator crash.
type RunReconciler interface {
	// Reconcile returns succeeded, fatal_error or unknown for the given run.
	Reconcile(ctx context.Context, run Run) (RunStatus, error)
}

// RunCanceller is implemented by runners that accept best-effort cancellation.
type RunCanceller interface {
	Cancel(ctx context.Context, runID string) error
}

// TargetConfigProvider resolves the active target configuration for an intent.
type TargetConfigProvider interface {
	TargetConfig(ctx context.Context, id string) (*TargetConfig, error)
}

// Clock abstracts time for lease and staleness checks.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock fixed at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
