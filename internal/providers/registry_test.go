package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewOpenAIProvider("openrouter", ""))

	retrievedProvider, exists := registry.Get("openrouter")
	assert.True(t, exists, "provider should exist after registration")
	assert.Equal(t, "openrouter", retrievedProvider.Name(), "provider name should match")
}

func TestRegistry_GetByDomain(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	testCases := []struct {
		domain   string
		expected string
	}{
		{"https://openrouter.ai/api/v1/chat/completions", "openrouter"},
		{"https://api.openai.com/v1/chat/completions", "openai"},
		{"https://api.anthropic.com/v1/messages", "anthropic"},
		{"https://integrate.api.nvidia.com/v1/chat/completions", "nvidia"},
		{"https://generativelanguage.googleapis.com/v1beta", "gemini"},
		{"https://bedrock-runtime.eu-west-1.amazonaws.com", "bedrock"},
		{"http://localhost:11434/api/chat", "ollama"},
	}

	for _, tc := range testCases {
		provider, err := registry.GetByDomain(tc.domain)
		require.NoError(t, err, "should get provider for domain %s", tc.domain)
		assert.Equal(t, tc.expected, provider.Name(), "provider name should match for domain %s", tc.domain)
	}
}

func TestRegistry_GetByDomain_Errors(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	_, err := registry.GetByDomain("invalid-url")
	assert.Error(t, err, "should get error for URL without host")

	_, err = registry.GetByDomain("https://unknown-provider.com/api")
	assert.Error(t, err, "should get error for unknown domain")
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize()

	assert.Equal(t, []string{"anthropic", "bedrock", "gemini", "nvidia", "ollama", "openai", "openrouter"}, registry.List())
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind     Kind
		name     string
		endpoint string
		want     string
	}{
		{KindOpenAI, "groq", "https://api.groq.com/openai/v1/chat/completions", "https://api.groq.com/openai/v1/chat/completions"},
		{KindAnthropic, "claude", "", defaultAnthropicEndpoint},
		{KindLocal, "", "http://box:11434/api/chat", "http://box:11434/api/chat"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := New(tt.kind, tt.name, tt.endpoint, "key")
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind())
			assert.Equal(t, tt.want, p.GetEndpoint("m", true))
			if tt.name != "" {
				assert.Equal(t, tt.name, p.Name())
			}
		})
	}

	_, err := New("cohere", "x", "", "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestExtractModelFromConfig(t *testing.T) {
	provider, model := ExtractModelFromConfig("openrouter,anthropic/claude-3.5-sonnet")
	assert.Equal(t, "openrouter", provider)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", model)

	provider, model = ExtractModelFromConfig("gpt-4o")
	assert.Empty(t, provider)
	assert.Equal(t, "gpt-4o", model)
}
