package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/changeflow/pkg/blueprint"
	"github.com/openfroyo/changeflow/pkg/engine"
)

// maxCostSteps bounds the work a single cost model may do.
const maxCostSteps = 1_000_000

// CostModel evaluates the Starlark cost scripts of catalog blocks. Each script
// sees params and region and must set the global monthly_cost.
type CostModel struct {
	catalog *blueprint.Catalog

	mu       sync.Mutex
	programs map[string]*starlark.Program
}

// NewCostModel creates a cost model over catalog.
func NewCostModel(catalog *blueprint.Catalog) *CostModel {
	return &CostModel{catalog: catalog, programs: make(map[string]*starlark.Program)}
}

// Estimate returns the monthly cost of purpose with params, per block and in
// total.
func (m *CostModel) Estimate(ctx context.Context, purpose string, params map[string]interface{}, region string) (decimal.Decimal, map[string]decimal.Decimal, error) {
	total := decimal.Zero
	perBlock := make(map[string]decimal.Decimal)

	sparams, err := toStarlarkValue(params)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("failed to convert params: %w", err)
	}

	for _, block := range m.catalog.Blocks(purpose) {
		if block.Cost == "" {
			continue
		}
		cost, err := m.evalBlock(ctx, block, starlark.StringDict{
			"struct": starlarkstruct.Default,
			"params": sparams,
			"region": starlark.String(region),
		})
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("cost model of block %s: %w", block.Name, err)
		}
		perBlock[block.Name] = cost
		total = total.Add(cost)
	}
	return total, perBlock, nil
}

func (m *CostModel) evalBlock(ctx context.Context, block blueprint.Block, predeclared starlark.StringDict) (decimal.Decimal, error) {
	prog, err := m.program(block, predeclared)
	if err != nil {
		return decimal.Zero, err
	}

	thread := &starlark.Thread{
		Name:  "cost:" + block.Name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxCostSteps)

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return decimal.Zero, err
	}

	switch v := globals["monthly_cost"].(type) {
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return decimal.Zero, fmt.Errorf("monthly_cost out of range")
		}
		return decimal.NewFromInt(i), nil
	case starlark.Float:
		return decimal.NewFromFloat(float64(v)).Round(2), nil
	case nil:
		return decimal.Zero, fmt.Errorf("monthly_cost is not set")
	default:
		return decimal.Zero, fmt.Errorf("monthly_cost must be a number, got %s", v.Type())
	}
}

func (m *CostModel) program(block blueprint.Block, predeclared starlark.StringDict) (*starlark.Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.programs[block.Name]; ok {
		return p, nil
	}
	_, prog, err := starlark.SourceProgram(block.Name+".star", block.Cost, predeclared.Has)
	if err != nil {
		return nil, err
	}
	m.programs[block.Name] = prog
	return prog, nil
}

// CostGate compares the estimated monthly cost against the target config's
// budget.
type CostGate struct {
	model *CostModel
}

// NewCostGate creates the budget gate.
func NewCostGate(catalog *blueprint.Catalog) *CostGate {
	return &CostGate{model: NewCostModel(catalog)}
}

func (g *CostGate) Name() string            { return "cost-budget" }
func (g *CostGate) Stage() engine.GateStage { return engine.StageCost }
func (g *CostGate) Description() string {
	return "Estimated monthly cost stays within the target config's budget"
}

// Evaluate implements Gate. Destroying infrastructure costs nothing.
func (g *CostGate) Evaluate(ctx context.Context, c *Candidate) (*Finding, error) {
	budget := c.Config.MonthlyBudget
	estimate := decimal.Zero
	if c.Intent.Action != engine.ActionDestroy {
		var err error
		estimate, _, err = g.model.Estimate(ctx, c.Intent.Purpose, c.Params(), c.Intent.Region())
		if err != nil {
			return nil, err
		}
	}

	est, _ := estimate.Float64()
	limit, _ := budget.Float64()
	finding := &Finding{Metrics: map[string]float64{
		"estimated_monthly_cost": est,
		"monthly_budget":         limit,
	}}
	if estimate.GreaterThan(budget) {
		finding.Reasons = []string{fmt.Sprintf("estimated monthly cost $%s exceeds budget $%s",
			estimate.StringFixed(2), budget.StringFixed(2))}
	}
	return finding, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
