package blueprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changeflow/pkg/engine"
)

func webTierIntent() engine.Intent {
	return engine.Intent{
		Purpose:          "web_tier",
		Action:           engine.ActionCreate,
		StructuralParams: map[string]interface{}{"region": "us-east-1", "instance_type": "m5.xlarge"},
		AdjustableParams: map[string]interface{}{"instance_count": 8},
		TargetConfigID:   "prod",
		TenantID:         "acme",
		RequesterID:      "alice",
		WorkspaceID:      "ws-web",
		Tags:             map[string]string{"owner": "web", "cost-center": "42"},
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, []string{"database", "queue", "state_backend", "static_site", "web_tier"}, c.Purposes())

	var order []string
	for _, b := range c.Blocks("web_tier") {
		order = append(order, b.Name)
	}
	assert.Equal(t, []string{"network", "compute", "load_balancer"}, order)
}

func TestParseCatalog_RejectsCycles(t *testing.T) {
	_, err := ParseCatalog([]byte(`
blocks:
  - name: a
    requires: [b]
    template: {}
  - name: b
    requires: [a]
    template: {}
purposes:
  - name: loop
    blocks: [a, b]
    structural: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestParseCatalog_RejectsUnknownBlock(t *testing.T) {
	_, err := ParseCatalog([]byte(`
purposes:
  - name: p
    blocks: [missing]
    structural: {}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown block missing")
}

func TestCatalog_Merge(t *testing.T) {
	extra, err := ParseCatalog([]byte(`
blocks:
  - name: cache
    template:
      resources:
        cache: {type: aws_elasticache_cluster}
purposes:
  - name: cache
    blocks: [network, cache]
    structural:
      region: {type: string, required: true}
`))
	require.Error(t, err, "network is not part of the extra file on its own")

	extra, err = ParseCatalog([]byte(`
blocks:
  - name: cache
    template:
      resources:
        cache: {type: aws_elasticache_cluster}
purposes:
  - name: cache
    blocks: [cache]
    structural:
      region: {type: string, required: true}
`))
	require.NoError(t, err)

	merged, err := DefaultCatalog().Merge(extra)
	require.NoError(t, err)
	assert.Contains(t, merged.Purposes(), "cache")
	assert.Contains(t, merged.Purposes(), "web_tier")
}

func TestNormalize(t *testing.T) {
	c := DefaultCatalog()

	intent := webTierIntent()
	intent.StructuralParams["instance_count"] = 4.0
	delete(intent.AdjustableParams, "instance_count")

	got, err := c.Normalize(intent)
	require.NoError(t, err)

	assert.NotContains(t, got.StructuralParams, "instance_count")
	assert.Equal(t, int64(4), got.AdjustableParams["instance_count"])
	assert.Equal(t, "10.0.0.0/16", got.StructuralParams["vpc_cidr"])
	assert.Equal(t, false, got.StructuralParams["public"])

	// The input is not mutated.
	assert.Contains(t, intent.StructuralParams, "instance_count")
}

func TestNormalize_ReportsEveryViolation(t *testing.T) {
	c := DefaultCatalog()

	intent := webTierIntent()
	delete(intent.StructuralParams, "region")
	intent.StructuralParams["colour"] = "blue"
	intent.AdjustableParams["instance_count"] = 50

	_, err := c.Normalize(intent)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.Equal(t, []string{
		"adjustable parameter instance_count value 50 outside bounds [1, 20]",
		"missing required structural parameter: region",
		"unknown structural parameter: colour",
	}, engine.ReasonsOf(err))
}

func TestNormalize_UnknownPurposeSuggests(t *testing.T) {
	c := DefaultCatalog()

	intent := webTierIntent()
	intent.Purpose = "web_teir"

	_, err := c.Normalize(intent)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	e, _ := engine.AsEngineError(err)
	assert.Contains(t, e.Details["suggestions"], "web_tier")

	assert.Equal(t, []string{"web_tier"}, c.Suggest("web"))
}

func TestCompose(t *testing.T) {
	c := DefaultCatalog()

	payload, blocks, err := c.Compose("state_backend",
		map[string]interface{}{"region": "us-east-1", "bucket_name": "acme-tf-state"},
		map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"lock_table", "state_bucket"}, blocks)

	var doc struct {
		Purpose   string                            `json:"purpose"`
		Blocks    []string                          `json:"blocks"`
		Resources map[string]map[string]interface{} `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "state_backend", doc.Purpose)
	assert.Equal(t, "acme-tf-state", doc.Resources["state_bucket"]["bucket"])
	assert.Equal(t, "Enabled", doc.Resources["state_bucket"]["versioning"])
	assert.Equal(t, "acme-tf-state-lock", doc.Resources["lock_table"]["name"])
	assert.Equal(t, "LockID", doc.Resources["lock_table"]["hash_key"])
}

func TestCompose_TypedPlaceholders(t *testing.T) {
	c := DefaultCatalog()
	intent, err := c.Normalize(webTierIntent())
	require.NoError(t, err)

	payload, _, err := c.Compose(intent.Purpose, intent.StructuralParams, intent.AdjustableParams)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))

	resources := doc["resources"].(map[string]interface{})
	lb := resources["load_balancer"].(map[string]interface{})
	assert.Equal(t, false, lb["public"])

	vars := doc["variables"].(map[string]interface{})
	assert.Equal(t, float64(8), vars["instance_count"])
}
