package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// Step is one scripted runner response. A zero Step succeeds with the
// summary derived from the payload.
type Step struct {
	// Result, when set, is returned as is.
	Result *engine.RunResult
	// Err is returned instead of a result, as if the runner was unreachable.
	Err error
	// Delay is slept before answering; the run context can interrupt it.
	Delay time.Duration
	// Block waits for cancellation before answering cancelled.
	Block bool
}

// Simulated is an in-process runner that plans by reading the payload's
// resources and answers from per-operation scripts. It backs the stub
// runner binary and the dispatcher tests.
type Simulated struct {
	mu        sync.Mutex
	scripts   map[engine.OperationKind][]Step
	outcomes  map[string]engine.RunStatus
	reconcile map[string]engine.RunStatus
	cancels   map[string]chan struct{}
	calls     []engine.RunRequest
}

var (
	_ engine.Runner        = (*Simulated)(nil)
	_ engine.RunReconciler = (*Simulated)(nil)
	_ engine.RunCanceller  = (*Simulated)(nil)
)

// NewSimulated creates a simulated runner that succeeds by default.
func NewSimulated() *Simulated {
	return &Simulated{
		scripts:   make(map[engine.OperationKind][]Step),
		outcomes:  make(map[string]engine.RunStatus),
		reconcile: make(map[string]engine.RunStatus),
		cancels:   make(map[string]chan struct{}),
	}
}

// Script queues responses for op. Each call consumes one step; once the
// queue is empty the default success applies.
func (s *Simulated) Script(op engine.OperationKind, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[op] = append(s.scripts[op], steps...)
}

// SetReconcile fixes the status Reconcile reports for runID.
func (s *Simulated) SetReconcile(runID string, status engine.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile[runID] = status
}

// Calls returns every request received, in order.
func (s *Simulated) Calls() []engine.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.RunRequest(nil), s.calls...)
}

// CallCount returns how many times op was requested.
func (s *Simulated) CallCount(op engine.OperationKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Operation == op {
			n++
		}
	}
	return n
}

// Run implements engine.Runner.
func (s *Simulated) Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var step Step
	if queue := s.scripts[req.Operation]; len(queue) > 0 {
		step = queue[0]
		s.scripts[req.Operation] = queue[1:]
	}
	cancelled := make(chan struct{})
	s.cancels[req.RunID] = cancelled
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, req.RunID)
		s.mu.Unlock()
	}()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return s.finish(req.RunID, &engine.RunResult{Status: engine.RunnerCancelled, Message: ctx.Err().Error()}), nil
		case <-cancelled:
			timer.Stop()
			return s.finish(req.RunID, &engine.RunResult{Status: engine.RunnerCancelled, Message: "cancelled"}), nil
		}
	}
	if step.Block {
		select {
		case <-ctx.Done():
		case <-cancelled:
		}
		return s.finish(req.RunID, &engine.RunResult{Status: engine.RunnerCancelled, Message: "cancelled"}), nil
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Result != nil {
		return s.finish(req.RunID, step.Result), nil
	}

	summary, err := SummarizePayload(req.Operation, req.Payload)
	if err != nil {
		return s.finish(req.RunID, &engine.RunResult{Status: engine.RunnerFatalError, Message: err.Error()}), nil
	}
	return s.finish(req.RunID, &engine.RunResult{
		Status:         engine.RunnerSuccess,
		LogRef:         "sim://" + req.RunID,
		Message:        fmt.Sprintf("%s completed", req.Operation),
		ChangesSummary: summary,
	}), nil
}

func (s *Simulated) finish(runID string, res *engine.RunResult) *engine.RunResult {
	status := engine.RunStatusFatalError
	switch res.Status {
	case engine.RunnerSuccess:
		status = engine.RunStatusSucceeded
	case engine.RunnerTransientError:
		status = engine.RunStatusTransientError
	case engine.RunnerCancelled:
		status = engine.RunStatusCancelled
	}
	s.mu.Lock()
	s.outcomes[runID] = status
	s.mu.Unlock()
	return res
}

// Reconcile implements engine.RunReconciler. Runs this runner finished
// report their recorded outcome; unseen runs stay unknown.
func (s *Simulated) Reconcile(_ context.Context, run engine.Run) (engine.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.reconcile[run.ID]; ok {
		return status, nil
	}
	switch s.outcomes[run.ID] {
	case engine.RunStatusSucceeded:
		return engine.RunStatusSucceeded, nil
	case engine.RunStatusFatalError:
		return engine.RunStatusFatalError, nil
	default:
		return engine.RunStatusUnknown, nil
	}
}

// Cancel implements engine.RunCanceller.
func (s *Simulated) Cancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.cancels[runID]; ok {
		close(ch)
		delete(s.cancels, runID)
	}
	return nil
}

// SummarizePayload lists the payload's resources as planned changes:
// creations for plan and apply, deletions for destroy.
func SummarizePayload(op engine.OperationKind, payload json.RawMessage) (*engine.ChangesSummary, error) {
	var doc struct {
		Resources map[string]struct {
			Type string `json:"type"`
		} `json:"resources"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}

	action := "create"
	if op == engine.OperationDestroy {
		action = "delete"
	}
	summary := &engine.ChangesSummary{}
	for name, res := range doc.Resources {
		typ := res.Type
		if typ == "" {
			typ = "resource"
		}
		summary.Resources = append(summary.Resources, engine.ResourceChange{Address: typ + "." + name, Action: action})
	}
	sort.Slice(summary.Resources, func(i, j int) bool { return summary.Resources[i].Address < summary.Resources[j].Address })
	if op == engine.OperationDestroy {
		summary.Destroy = len(summary.Resources)
	} else {
		summary.Add = len(summary.Resources)
	}
	return summary, nil
}
