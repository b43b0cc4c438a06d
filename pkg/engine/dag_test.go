package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDAGBuilder_Build_Empty(t *testing.T) {
	order, err := NewDAGBuilder().Build(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestDAGBuilder_Build_OrdersDependenciesFirst(t *testing.T) {
	nodes := []DAGNode{
		{ID: "service", Requires: []string{"network", "database"}},
		{ID: "database", Requires: []string{"network"}},
		{ID: "network"},
		{ID: "dns"},
	}

	b := NewDAGBuilder()
	order, err := b.Build(nodes)
	require.NoError(t, err)

	assert.Equal(t, []string{"dns", "network", "database", "service"}, order)
	assert.Equal(t, [][]string{{"dns", "network"}, {"database"}, {"service"}}, b.Levels())
}

func TestDAGBuilder_Build_Deterministic(t *testing.T) {
	nodes := []DAGNode{{ID: "c"}, {ID: "a"}, {ID: "b", Requires: []string{"a"}}}
	first, err := NewDAGBuilder().Build(nodes)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := NewDAGBuilder().Build(nodes)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDAGBuilder_Build_Errors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []DAGNode
		want  string
	}{
		{"empty id", []DAGNode{{ID: ""}}, "empty ID"},
		{"duplicate", []DAGNode{{ID: "a"}, {ID: "a"}}, "duplicate graph node: a"},
		{"unknown dependency", []DAGNode{{ID: "a", Requires: []string{"b"}}}, "requires unknown node b"},
		{"cycle", []DAGNode{
			{ID: "a", Requires: []string{"c"}},
			{ID: "b", Requires: []string{"a"}},
			{ID: "c", Requires: []string{"b"}},
		}, "circular dependency detected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().Build(tt.nodes)
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	b := NewDAGBuilder()
	_, err := b.Build([]DAGNode{{ID: "bucket"}, {ID: "lock_table", Requires: []string{"bucket"}}})
	require.NoError(t, err)

	dot := b.ToDOT("state_backend")
	assert.True(t, strings.HasPrefix(dot, `digraph "state_backend" {`))
	assert.Contains(t, dot, `"bucket" -> "lock_table";`)
}
