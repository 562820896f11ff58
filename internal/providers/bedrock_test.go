package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBedrockProvider_GetEndpoint(t *testing.T) {
	provider := NewBedrockProvider()
	provider.SetEndpoint("http://gateway.local/")

	assert.Equal(t,
		"http://gateway.local/model/anthropic.claude-3-5-sonnet-20240620-v1:0/converse-stream",
		provider.GetEndpoint("anthropic.claude-3-5-sonnet-20240620-v1:0", true))
	assert.Equal(t, "http://gateway.local/model/m/converse", provider.GetEndpoint("m", false))
}

func TestBedrockProvider_TransformRequest(t *testing.T) {
	data, err := NewBedrockProvider().TransformRequest(toolTurn())
	require.NoError(t, err)

	req := decode(t, data)
	assert.NotContains(t, req, "model")
	assert.Equal(t, "be brief", req["system"].([]any)[0].(map[string]any)["text"])

	messages := req["messages"].([]any)
	require.Len(t, messages, 3)

	use := messages[1].(map[string]any)["content"].([]any)[0].(map[string]any)["toolUse"].(map[string]any)
	assert.Equal(t, "call_1", use["toolUseId"])

	results := messages[2].(map[string]any)["content"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, "error", results[1].(map[string]any)["toolResult"].(map[string]any)["status"])

	spec := req["toolConfig"].(map[string]any)["tools"].([]any)[0].(map[string]any)["toolSpec"].(map[string]any)
	assert.Equal(t, map[string]any{"json": map[string]any{"type": "object"}}, spec["inputSchema"])
}

func TestLocalProvider_TransformRequest(t *testing.T) {
	provider := NewLocalProvider()
	assert.Equal(t, "ollama", provider.Name())
	assert.Equal(t, defaultLocalEndpoint, provider.GetEndpoint("llama3", true))

	h := http.Header{}
	provider.SetHeaders(h)
	assert.Empty(t, h.Get("Authorization"))

	params := toolTurn()
	temp := 0.2
	params.Temperature = &temp

	data, err := provider.TransformRequest(params)
	require.NoError(t, err)

	req := decode(t, data)
	assert.Equal(t, 0.2, req["options"].(map[string]any)["temperature"])

	messages := req["messages"].([]any)
	require.Len(t, messages, 5)

	call := messages[2].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, map[string]any{"city": "Paris"}, call["arguments"])

	tool := messages[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "get_weather", tool["tool_name"])
}
