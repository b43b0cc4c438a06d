package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns "sha256:<hex>" of the canonical JSON encoding of v.
// encoding/json sorts map keys, so equal values always hash equally.
func Fingerprint(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// GateSetFingerprint hashes gate results without their evaluation timestamps,
// so re-running identical gates yields the same fingerprint.
func GateSetFingerprint(results []GateResult) (string, error) {
	type entry struct {
		Gate       string             `json:"gate"`
		Stage      GateStage          `json:"stage"`
		Outcome    GateOutcome        `json:"outcome"`
		Reasons    []string           `json:"reasons"`
		Metrics    map[string]float64 `json:"metrics"`
		Overridden bool               `json:"overridden"`
	}
	entries := make([]entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, entry{
			Gate: r.Gate, Stage: r.Stage, Outcome: r.Outcome,
			Reasons: r.Reasons, Metrics: r.Metrics, Overridden: r.Overridden,
		})
	}
	return Fingerprint(entries)
}

// PlanFingerprint hashes a changes summary.
func PlanFingerprint(summary *ChangesSummary) (string, error) {
	if summary == nil {
		summary = &ChangesSummary{}
	}
	return Fingerprint(summary)
}
