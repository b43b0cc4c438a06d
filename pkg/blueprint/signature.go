package blueprint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/wI2L/jsondiff"

	"github.com/openfroyo/changeflow/pkg/engine"
)

// Signature is the canonical input signature of a purpose and its
// structural params. Adjustable params never contribute.
func Signature(purpose string, structural map[string]interface{}) (string, error) {
	return engine.Fingerprint(struct {
		Purpose    string                 `json:"purpose"`
		Structural map[string]interface{} `json:"structural"`
	}{
		Purpose:    purpose,
		Structural: NormalizeParams(structural),
	})
}

// AdjustableDiff returns the RFC 6902 operations turning stored into
// requested, ordered by path. Replaced and removed entries carry the stored
// value in OldValue.
func AdjustableDiff(stored, requested map[string]interface{}) ([]engine.ParamChange, error) {
	before, err := json.Marshal(NormalizeParams(stored))
	if err != nil {
		return nil, fmt.Errorf("failed to encode stored params: %w", err)
	}
	after, err := json.Marshal(NormalizeParams(requested))
	if err != nil {
		return nil, fmt.Errorf("failed to encode requested params: %w", err)
	}

	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to diff adjustable params: %w", err)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode diff: %w", err)
	}

	var changes []engine.ParamChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	for i := range changes {
		if changes[i].Op == "replace" || changes[i].Op == "remove" {
			changes[i].OldValue = stored[unescapePointer(changes[i].Path)]
		}
		changes[i].Value = NormalizeValue(changes[i].Value)
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// unescapePointer decodes a single-segment JSON pointer.
func unescapePointer(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "~1", "/")
	return strings.ReplaceAll(p, "~0", "~")
}
