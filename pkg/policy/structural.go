package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/engine"
)

// FormatGate checks the intent against its purpose's parameter
// declarations and the resolved blueprint's signature.
type FormatGate struct {
	catalog *blueprint.Catalog
}

// NewFormatGate creates the intent format gate.
func NewFormatGate(catalog *blueprint.Catalog) *FormatGate {
	return &FormatGate{catalog: catalog}
}

func (g *FormatGate) Name() string            { return "intent-format" }
func (g *FormatGate) Stage() engine.GateStage { return engine.StageStructural }
func (g *FormatGate) Description() string {
	return "Intent parameters match the purpose declaration and the resolved blueprint"
}

// Evaluate implements Gate.
func (g *FormatGate) Evaluate(_ context.Context, c *Candidate) (*Finding, error) {
	purpose, ok := g.catalog.Purpose(c.Intent.Purpose)
	if !ok {
		return &Finding{Reasons: []string{fmt.Sprintf("unknown purpose: %s", c.Intent.Purpose)}}, nil
	}

	reasons := purpose.Check(
		blueprint.NormalizeParams(c.Intent.StructuralParams),
		blueprint.NormalizeParams(c.Intent.AdjustableParams),
	)
	if c.Intent.Region() == "" {
		reasons = append(reasons, "region is required")
	}

	if c.Blueprint != nil {
		sig, err := blueprint.Signature(c.Intent.Purpose, c.Intent.StructuralParams)
		if err != nil {
			return nil, err
		}
		if sig != c.Blueprint.Signature {
			reasons = append(reasons, fmt.Sprintf("blueprint %s does not match the intent's structural parameters", c.Blueprint.ID))
		}
	}
	return &Finding{Reasons: reasons}, nil
}

// SchemaGate validates the merged params against the CUE schemas of every
// block the purpose is composed of.
type SchemaGate struct {
	catalog *blueprint.Catalog

	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaGate creates the CUE schema gate.
func NewSchemaGate(catalog *blueprint.Catalog) *SchemaGate {
	return &SchemaGate{
		catalog: catalog,
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

func (g *SchemaGate) Name() string            { return "schema" }
func (g *SchemaGate) Stage() engine.GateStage { return engine.StageStructural }
func (g *SchemaGate) Description() string {
	return "Parameters satisfy the CUE schema of every building block"
}

// Evaluate implements Gate. A cue.Context is not safe for concurrent use,
// so evaluations are serialized.
func (g *SchemaGate) Evaluate(_ context.Context, c *Candidate) (*Finding, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data := g.ctx.Encode(map[string]interface{}{"params": c.Params()})
	if err := data.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	var reasons []string
	for _, block := range g.catalog.Blocks(c.Intent.Purpose) {
		if block.Schema == "" {
			continue
		}
		schema, err := g.schema(block)
		if err != nil {
			return nil, err
		}
		unified := schema.Unify(data)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			for _, e := range cueerrors.Errors(err) {
				reasons = append(reasons, fmt.Sprintf("block %s: %s", block.Name, e.Error()))
			}
		}
	}
	sort.Strings(reasons)
	return &Finding{Reasons: reasons}, nil
}

func (g *SchemaGate) schema(block blueprint.Block) (cue.Value, error) {
	if v, ok := g.schemas[block.Name]; ok {
		return v, nil
	}
	v := g.ctx.CompileString(block.Schema, cue.Filename(block.Name+".cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema of block %s: %w", block.Name, err)
	}
	g.schemas[block.Name] = v
	return v, nil
}
