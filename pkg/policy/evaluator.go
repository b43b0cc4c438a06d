package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/telemetry"
)

const (
	// DefaultGateTimeout bounds a single gate evaluation.
	DefaultGateTimeout = 5 * time.Second

	costSkippedReason = "cost not evaluated: change is structurally invalid"
)

// Evaluator runs the fixed gate sequence: structural gates, built-in policy
// gates, operator policy gates in file-name order, then cost gates.
type Evaluator struct {
	structural []Gate
	policies   []Gate
	cost       []Gate

	mu     sync.RWMutex
	custom []Gate

	timeout time.Duration
	clock   engine.Clock
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	newID   func() string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithGateTimeout sets the per-gate timeout.
func WithGateTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock sets the clock stamped on results.
func WithClock(c engine.Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Evaluator) { e.logger = l.With().Str("component", "gate-evaluator").Logger() }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

// WithGates replaces the built-in gates of a stage. Intended for tests and
// embedding; the order given is the evaluation order.
func WithGates(stage engine.GateStage, gates ...Gate) Option {
	return func(e *Evaluator) {
		switch stage {
		case engine.StageStructural:
			e.structural = gates
		case engine.StagePolicy:
			e.policies = gates
		case engine.StageCost:
			e.cost = gates
		}
	}
}

// NewEvaluator builds an evaluator with the built-in gates for catalog.
func NewEvaluator(catalog *blueprint.Catalog, opts ...Option) (*Evaluator, error) {
	builtins, err := CompileRegoGates(context.Background(), BuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to compile built-in policies: %w", err)
	}

	e := &Evaluator{
		structural: []Gate{NewFormatGate(catalog), NewSchemaGate(catalog)},
		policies:   builtins,
		cost:       []Gate{NewCostGate(catalog)},
		timeout:    DefaultGateTimeout,
		clock:      engine.SystemClock{},
		logger:     zerolog.Nop(),
		tracer:     telemetry.NoopTracer(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetCustomGates replaces the operator-supplied policy gates. They run after
// the built-in policy gates, ordered by name.
func (e *Evaluator) SetCustomGates(gates []Gate) {
	sorted := append([]Gate(nil), gates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	e.mu.Lock()
	e.custom = sorted
	e.mu.Unlock()

	e.logger.Info().Int("count", len(sorted)).Msg("custom policy gates updated")
}

// Gates returns the configured gates in evaluation order.
func (e *Evaluator) Gates() []GateInfo {
	var infos []GateInfo
	for _, g := range e.sequence() {
		info := GateInfo{Name: g.Name(), Stage: g.Stage(), Description: g.Description()}
		if rg, ok := g.(*RegoGate); ok {
			info.Source = rg.policy.Source
		}
		infos = append(infos, info)
	}
	return infos
}

func (e *Evaluator) sequence() []Gate {
	e.mu.RLock()
	custom := e.custom
	e.mu.RUnlock()

	seq := make([]Gate, 0, len(e.structural)+len(e.policies)+len(custom)+len(e.cost))
	seq = append(seq, e.structural...)
	seq = append(seq, e.policies...)
	seq = append(seq, custom...)
	seq = append(seq, e.cost...)
	return seq
}

// Evaluate runs every gate against the candidate. Policy gates never
// short-circuit each other; cost gates are recorded as errors without
// running when a structural gate did not pass. The returned error is only
// for failures to evaluate at all; gate failures are in the report.
func (e *Evaluator) Evaluate(ctx context.Context, c *Candidate) (*Report, error) {
	if c == nil || c.Config == nil {
		return nil, engine.NewValidationError("gate candidate requires a target config")
	}

	ctx, span := e.tracer.Start(ctx, "gates.evaluate",
		telemetry.AttrChangeRequestID.String(c.ChangeRequestID))
	defer span.End()

	start := time.Now()
	report := &Report{RunID: e.newID(), Verdict: engine.VerdictPass}
	structurallyValid := true

	for _, g := range e.sequence() {
		var result engine.GateResult
		if g.Stage() == engine.StageCost && !structurallyValid {
			result = engine.GateResult{
				Gate:    g.Name(),
				Stage:   g.Stage(),
				Outcome: engine.OutcomeError,
				Reasons: []string{costSkippedReason},
			}
		} else {
			result = e.runGate(ctx, g, c)
		}
		result.EvaluatedAt = e.clock.Now()

		if g.Stage() == engine.StageStructural && !result.Passed() {
			structurallyValid = false
		}
		if !result.Passed() {
			report.Verdict = engine.VerdictFail
		}
		report.Results = append(report.Results, result)
	}

	fp, err := engine.GateSetFingerprint(report.Results)
	if err != nil {
		return nil, engine.NewInternalError("failed to fingerprint gate results", err)
	}
	report.Fingerprint = fp
	report.Duration = time.Since(start)

	e.logger.Debug().
		Str("change_request_id", c.ChangeRequestID).
		Str("gate_run_id", report.RunID).
		Str("verdict", string(report.Verdict)).
		Dur("duration", report.Duration).
		Msg("gate run completed")
	return report, nil
}

func (e *Evaluator) runGate(ctx context.Context, g Gate, c *Candidate) engine.GateResult {
	ctx, span := e.tracer.StartGateSpan(ctx, g.Name(), string(g.Stage()))
	start := time.Now()

	result := engine.GateResult{Gate: g.Name(), Stage: g.Stage()}
	finding, err := e.invoke(ctx, g, c)
	switch {
	case err != nil:
		result.Outcome = engine.OutcomeError
		result.Reasons = []string{fmt.Sprintf("gate error: %v", err)}
		e.logger.Warn().Err(err).Str("gate", g.Name()).Msg("gate did not complete")

	case len(finding.Reasons) == 0:
		result.Outcome = engine.OutcomePass
		result.Metrics = finding.Metrics

	default:
		result.Outcome = engine.OutcomeFail
		result.Reasons = sortedUnique(finding.Reasons)
		result.Metrics = finding.Metrics
		if g.Stage() == engine.StagePolicy && c.overrideGranted(g.Name()) {
			result.Outcome = engine.OutcomePass
			result.Overridden = true
		}
	}

	e.metrics.RecordGateResult(g.Name(), string(result.Outcome), time.Since(start))
	telemetry.End(span, err)
	return result
}

// invoke runs a gate under the hard timeout. A gate that ignores its
// context is abandoned when the timeout fires.
func (e *Evaluator) invoke(ctx context.Context, g Gate, c *Candidate) (*Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		finding *Finding
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("gate panicked: %v", r)}
			}
		}()
		f, err := g.Evaluate(ctx, c)
		if err == nil && f == nil {
			f = &Finding{}
		}
		done <- outcome{f, err}
	}()

	select {
	case o := <-done:
		return o.finding, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timed out after %s", e.timeout)
		}
		return nil, ctx.Err()
	}
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}
