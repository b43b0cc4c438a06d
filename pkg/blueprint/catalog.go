package blueprint

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/changeflow/pkg/engine"
)

//go:embed catalogs/builtin.yaml
var builtinCatalog []byte

// Parameter types a ParamSpec may declare.
const (
	ParamString = "string"
	ParamInt    = "int"
	ParamNumber = "number"
	ParamBool   = "bool"
)

// ParamSpec declares one structural or adjustable parameter of a purpose.
type ParamSpec struct {
	Type     string      `yaml:"type" json:"type"`
	Required bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Default  interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Min      *float64    `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64    `yaml:"max,omitempty" json:"max,omitempty"`
	Enum     []string    `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Block is an approved building block.
type Block struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Requires    []string               `yaml:"requires,omitempty" json:"requires,omitempty"`
	Template    map[string]interface{} `yaml:"template" json:"template"`

	// Schema is CUE source constraining {params: {...}}.
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Cost is a Starlark script that sets monthly_cost from params.
	Cost string `yaml:"cost,omitempty" json:"cost,omitempty"`
}

// Purpose is a catalog entry keyed by purpose tag.
type Purpose struct {
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Blocks      []string             `yaml:"blocks" json:"blocks"`
	Structural  map[string]ParamSpec `yaml:"structural" json:"structural"`
	Adjustable  map[string]ParamSpec `yaml:"adjustable,omitempty" json:"adjustable,omitempty"`
}

type catalogFile struct {
	Blocks   []Block   `yaml:"blocks"`
	Purposes []Purpose `yaml:"purposes"`
}

// Catalog is the fixed set of approved building blocks. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	blocks   map[string]Block
	purposes map[string]Purpose
	order    map[string][]string
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return newCatalog(file.Blocks, file.Purposes)
}

// Merge returns a catalog with other's blocks and purposes layered over c.
func (c *Catalog) Merge(other *Catalog) (*Catalog, error) {
	blocks := make([]Block, 0, len(c.blocks)+len(other.blocks))
	for name, b := range c.blocks {
		if _, ok := other.blocks[name]; !ok {
			blocks = append(blocks, b)
		}
	}
	for _, b := range other.blocks {
		blocks = append(blocks, b)
	}

	purposes := make([]Purpose, 0, len(c.purposes)+len(other.purposes))
	for name, p := range c.purposes {
		if _, ok := other.purposes[name]; !ok {
			purposes = append(purposes, p)
		}
	}
	for _, p := range other.purposes {
		purposes = append(purposes, p)
	}
	return newCatalog(blocks, purposes)
}

func newCatalog(blocks []Block, purposes []Purpose) (*Catalog, error) {
	c := &Catalog{
		blocks:   make(map[string]Block, len(blocks)),
		purposes: make(map[string]Purpose, len(purposes)),
		order:    make(map[string][]string, len(purposes)),
	}

	for _, b := range blocks {
		if b.Name == "" {
			return nil, fmt.Errorf("catalog block without name")
		}
		if _, dup := c.blocks[b.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog block: %s", b.Name)
		}
		c.blocks[b.Name] = b
	}

	for _, p := range purposes {
		if p.Name == "" {
			return nil, fmt.Errorf("catalog purpose without name")
		}
		if _, dup := c.purposes[p.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog purpose: %s", p.Name)
		}
		for name := range p.Adjustable {
			if _, clash := p.Structural[name]; clash {
				return nil, fmt.Errorf("purpose %s declares %s as both structural and adjustable", p.Name, name)
			}
		}

		nodes := make([]engine.DAGNode, 0, len(p.Blocks))
		for _, name := range p.Blocks {
			b, ok := c.blocks[name]
			if !ok {
				return nil, fmt.Errorf("purpose %s uses unknown block %s", p.Name, name)
			}
			nodes = append(nodes, engine.DAGNode{ID: b.Name, Requires: b.Requires})
		}
		order, err := engine.NewDAGBuilder().Build(nodes)
		if err != nil {
			return nil, fmt.Errorf("purpose %s: %w", p.Name, err)
		}

		c.purposes[p.Name] = p
		c.order[p.Name] = order
	}
	return c, nil
}

// Purpose returns the catalog entry for a purpose tag.
func (c *Catalog) Purpose(name string) (Purpose, bool) {
	p, ok := c.purposes[name]
	return p, ok
}

// Purposes returns all purpose tags, sorted.
func (c *Catalog) Purposes() []string {
	names := make([]string, 0, len(c.purposes))
	for name := range c.purposes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Blocks returns the blocks of a purpose in dependency order.
func (c *Catalog) Blocks(purpose string) []Block {
	order := c.order[purpose]
	blocks := make([]Block, 0, len(order))
	for _, name := range order {
		blocks = append(blocks, c.blocks[name])
	}
	return blocks
}

// Block returns a block by name.
func (c *Catalog) Block(name string) (Block, bool) {
	b, ok := c.blocks[name]
	return b, ok
}

// Suggest returns purpose tags resembling name, best match first.
func (c *Catalog) Suggest(name string) []string {
	purposes := c.Purposes()

	seen := make(map[string]bool)
	var out []string

	ranks := fuzzy.RankFindNormalizedFold(name, purposes)
	sort.Sort(ranks)
	for _, r := range ranks {
		seen[r.Target] = true
		out = append(out, r.Target)
	}

	type near struct {
		name string
		dist int
	}
	var typos []near
	for _, p := range purposes {
		if seen[p] {
			continue
		}
		if d := fuzzy.LevenshteinDistance(strings.ToLower(name), p); d <= 3 {
			typos = append(typos, near{p, d})
		}
	}
	sort.Slice(typos, func(i, j int) bool {
		if typos[i].dist != typos[j].dist {
			return typos[i].dist < typos[j].dist
		}
		return typos[i].name < typos[j].name
	})
	for _, t := range typos {
		out = append(out, t.name)
	}
	return out
}

// Normalize validates an intent against its purpose and returns a copy with
// defaults applied, numbers canonicalized and declared-adjustable keys moved
// out of the structural params. All violations are reported together.
func (c *Catalog) Normalize(intent engine.Intent) (engine.Intent, error) {
	p, ok := c.purposes[intent.Purpose]
	if !ok {
		return intent, c.unknownPurpose(intent.Purpose)
	}

	structural := make(map[string]interface{}, len(intent.StructuralParams))
	adjustable := make(map[string]interface{}, len(intent.AdjustableParams))
	for k, v := range intent.StructuralParams {
		if _, adj := p.Adjustable[k]; adj {
			adjustable[k] = NormalizeValue(v)
			continue
		}
		structural[k] = NormalizeValue(v)
	}
	for k, v := range intent.AdjustableParams {
		adjustable[k] = NormalizeValue(v)
	}

	applyDefaults(structural, p.Structural)
	applyDefaults(adjustable, p.Adjustable)

	if reasons := p.Check(structural, adjustable); len(reasons) > 0 {
		return intent, engine.NewValidationError("intent parameters are invalid", reasons...).
			WithOperation("normalize")
	}

	out := intent
	out.StructuralParams = structural
	out.AdjustableParams = adjustable
	return out, nil
}

func (c *Catalog) unknownPurpose(name string) error {
	err := engine.NewValidationError(fmt.Sprintf("unknown purpose: %s", name)).WithOperation("normalize")
	if suggestions := c.Suggest(name); len(suggestions) > 0 {
		err = err.WithReasons("did you mean: " + strings.Join(suggestions, ", ")).
			WithDetail("suggestions", suggestions)
	}
	return err
}

// Check returns every violation of the purpose's parameter declarations,
// sorted. It does not apply defaults.
func (p Purpose) Check(structural, adjustable map[string]interface{}) []string {
	var reasons []string
	reasons = append(reasons, checkParams("structural", structural, p.Structural)...)
	reasons = append(reasons, checkParams("adjustable", adjustable, p.Adjustable)...)
	sort.Strings(reasons)
	return reasons
}

func checkParams(kind string, values map[string]interface{}, specs map[string]ParamSpec) []string {
	var reasons []string
	for name := range values {
		if _, ok := specs[name]; !ok {
			reasons = append(reasons, fmt.Sprintf("unknown %s parameter: %s", kind, name))
		}
	}
	for name, spec := range specs {
		v, ok := values[name]
		if !ok || v == nil {
			if spec.Required {
				reasons = append(reasons, fmt.Sprintf("missing required %s parameter: %s", kind, name))
			}
			continue
		}
		if msg := spec.check(v); msg != "" {
			reasons = append(reasons, fmt.Sprintf("%s parameter %s %s", kind, name, msg))
		}
	}
	return reasons
}

func (s ParamSpec) check(v interface{}) string {
	switch s.Type {
	case ParamString, "":
		str, ok := v.(string)
		if !ok {
			return fmt.Sprintf("must be a string, got %T", v)
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return fmt.Sprintf("must be one of [%s], got %q", strings.Join(s.Enum, ", "), str)
		}
		return ""
	case ParamBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("must be a bool, got %T", v)
		}
		return ""
	case ParamInt, ParamNumber:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Sprintf("must be a number, got %T", v)
		}
		if s.Type == ParamInt && f != math.Trunc(f) {
			return fmt.Sprintf("must be an integer, got %v", v)
		}
		if (s.Min != nil && f < *s.Min) || (s.Max != nil && f > *s.Max) {
			return fmt.Sprintf("value %v outside bounds [%s, %s]", v, bound(s.Min), bound(s.Max))
		}
		return ""
	default:
		return fmt.Sprintf("has unsupported declared type %s", s.Type)
	}
}

func applyDefaults(values map[string]interface{}, specs map[string]ParamSpec) {
	for name, spec := range specs {
		if _, ok := values[name]; !ok && spec.Default != nil {
			values[name] = NormalizeValue(spec.Default)
		}
	}
}

// NormalizeValue canonicalizes decoded JSON/YAML values so that 2, int64(2)
// and 2.0 compare, hash and validate identically.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return NormalizeValue(float64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// NormalizeParams applies NormalizeValue to every entry of params.
func NormalizeParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = NormalizeValue(v)
	}
	return out
}

// Compose merges the purpose's block templates in dependency order into a
// single payload document. Structural params are substituted into "${name}"
// placeholders; adjustable params become the document's variables.
func (c *Catalog) Compose(purpose string, structural, adjustable map[string]interface{}) ([]byte, []string, error) {
	if _, ok := c.purposes[purpose]; !ok {
		return nil, nil, c.unknownPurpose(purpose)
	}
	order := c.order[purpose]

	doc, err := json.Marshal(map[string]interface{}{
		"purpose": purpose,
		"blocks":  order,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode payload header: %w", err)
	}

	for _, name := range order {
		tmpl, err := json.Marshal(expand(c.blocks[name].Template, structural))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode block %s: %w", name, err)
		}
		if doc, err = jsonpatch.MergePatch(doc, tmpl); err != nil {
			return nil, nil, fmt.Errorf("failed to merge block %s: %w", name, err)
		}
	}

	vars, err := json.Marshal(map[string]interface{}{"variables": adjustable})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode variables: %w", err)
	}
	if doc, err = jsonpatch.MergePatch(doc, vars); err != nil {
		return nil, nil, fmt.Errorf("failed to merge variables: %w", err)
	}
	return doc, append([]string(nil), order...), nil
}

// expand substitutes "${name}" placeholders. A string that is exactly one
// placeholder takes the parameter's value and type.
func expand(v interface{}, params map[string]interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = expand(item, params)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expand(item, params)
		}
		return out
	case string:
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") && strings.Count(val, "${") == 1 {
			return params[val[2:len(val)-1]]
		}
		for name, p := range params {
			val = strings.ReplaceAll(val, "${"+name+"}", fmt.Sprint(p))
		}
		return val
	default:
		return v
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func bound(b *float64) string {
	if b == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *b)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
