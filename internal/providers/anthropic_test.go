package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_Headers(t *testing.T) {
	provider := NewAnthropicProvider()
	provider.SetAPIKey("sk-ant")

	h := http.Header{}
	provider.SetHeaders(h)

	assert.Equal(t, "sk-ant", h.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, h.Get("anthropic-version"))
	assert.Empty(t, h.Get("Authorization"))
	assert.Equal(t, defaultAnthropicEndpoint, provider.GetEndpoint("m", true))
}

func TestAnthropicProvider_TransformRequest(t *testing.T) {
	data, err := NewAnthropicProvider().TransformRequest(toolTurn())
	require.NoError(t, err)

	req := decode(t, data)
	assert.Equal(t, "be brief", req["system"])
	assert.Equal(t, float64(DefaultMaxTokens), req["max_tokens"])

	messages := req["messages"].([]any)
	require.Len(t, messages, 3, "both tool results share one user turn")

	assistant := messages[1].(map[string]any)
	blocks := assistant["content"].([]any)
	require.Len(t, blocks, 2)
	first := blocks[0].(map[string]any)
	assert.Equal(t, "tool_use", first["type"])
	assert.Equal(t, map[string]any{"city": "Paris"}, first["input"])
	assert.Equal(t, map[string]any{}, blocks[1].(map[string]any)["input"])

	results := messages[2].(map[string]any)
	assert.Equal(t, "user", results["role"])
	resultBlocks := results["content"].([]any)
	require.Len(t, resultBlocks, 2)
	assert.Equal(t, "call_2", resultBlocks[1].(map[string]any)["tool_use_id"])
	assert.Equal(t, true, resultBlocks[1].(map[string]any)["is_error"])

	tools := req["tools"].([]any)
	assert.Equal(t, map[string]any{"type": "object"}, tools[0].(map[string]any)["input_schema"])
}
