package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGNode is a vertex in a dependency graph, e.g. a catalog building block.
type DAGNode struct {
	// ID is the unique node identifier.
	ID string

	// Requires lists node IDs that must precede this node.
	Requires []string
}

// DAGBuilder orders nodes topologically and groups them into levels.
// Nodes within a level are independent of each other.
type DAGBuilder struct {
	nodes         map[string]DAGNode
	adjacencyList map[string][]string
	inDegree      map[string]int
	levels        [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:         make(map[string]DAGNode),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
	}
}

// Build validates the graph, detects cycles and computes levels.
// The returned order flattens the levels; ties within a level are sorted by ID
// so the order is deterministic.
func (b *DAGBuilder) Build(nodes []DAGNode) ([]string, error) {
	if err := b.initialize(nodes); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	b.computeLevels()

	order := make([]string, 0, len(nodes))
	for _, level := range b.levels {
		order = append(order, level...)
	}
	return order, nil
}

func (b *DAGBuilder) initialize(nodes []DAGNode) error {
	for _, n := range nodes {
		if n.ID == "" {
			return NewValidationError("graph node has empty ID")
		}
		if _, exists := b.nodes[n.ID]; exists {
			return NewValidationError(fmt.Sprintf("duplicate graph node: %s", n.ID))
		}
		b.nodes[n.ID] = n
		b.inDegree[n.ID] = 0
	}

	for _, n := range nodes {
		for _, dep := range n.Requires {
			if _, exists := b.nodes[dep]; !exists {
				return NewValidationError(fmt.Sprintf("%s requires unknown node %s", n.ID, dep)).
					WithResource(n.ID)
			}
			// Edge from dependency to dependent.
			b.adjacencyList[dep] = append(b.adjacencyList[dep], n.ID)
			b.inDegree[n.ID]++
		}
	}
	return nil
}

func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, next := range b.adjacencyList[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}
		onStack[id] = false
		return nil
	}

	for _, id := range b.sortedIDs() {
		if visited[id] {
			continue
		}
		if cycle := visit(id, nil); cycle != nil {
			return NewValidationError(fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")))
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm with level tracking.
func (b *DAGBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		b.levels = append(b.levels, current)
		var next []string
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Levels returns the computed levels.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (b *DAGBuilder) ToDOT(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")
	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n    style=dashed;\n", level)
		for _, id := range ids {
			fmt.Fprintf(&sb, "    %q;\n", id)
		}
		sb.WriteString("  }\n")
	}
	for _, id := range b.sortedIDs() {
		for _, dep := range b.nodes[id].Requires {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
