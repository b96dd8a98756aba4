package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateData() map[string]interface{} {
	return map[string]interface{}{
		"event_type":       "NewFeedback",
		"chain_id":         int64(11155111),
		"chain_name":       "sepolia",
		"block_number":     int64(123),
		"transaction_hash": "0xabc",
		"data": map[string]interface{}{
			"agent_id": float64(42),
			"score":    float64(55),
		},
	}
}

func TestRenderTemplate_SubstitutesKnownPlaceholders(t *testing.T) {
	out, err := RenderTemplate("Agent {{data.agent_id}} scored {{data.score}} on {{chain_name}}", templateData())
	require.NoError(t, err)
	assert.Equal(t, "Agent 42 scored 55 on sepolia", out)
}

func TestRenderTemplate_UnknownPlaceholderRendersEmpty(t *testing.T) {
	out, err := RenderTemplate("hello {{nonexistent_field}} world", templateData())
	require.NoError(t, err)
	assert.Equal(t, "hello  world", out)
}

func TestRenderTemplate_BarePlaceholderMissErrors(t *testing.T) {
	_, err := RenderTemplate("{{totally.missing}}", templateData())
	require.Error(t, err)
}

func TestRenderTemplate_BarePlaceholderHit(t *testing.T) {
	out, err := RenderTemplate("{{chain_name}}", templateData())
	require.NoError(t, err)
	assert.Equal(t, "sepolia", out)
}

func TestRenderConfig_OnlyRendersStringValues(t *testing.T) {
	cfg := map[string]interface{}{
		"message_template": "score={{data.score}}",
		"retry_count":      3,
	}
	out, err := RenderConfig(cfg, templateData())
	require.NoError(t, err)
	assert.Equal(t, "score=55", out["message_template"])
	assert.Equal(t, 3, out["retry_count"])
}
