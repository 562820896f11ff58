package providers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

// ErrUnknownKind is returned for a provider kind with no implementation.
var ErrUnknownKind = errors.New("unknown provider kind")

// Kind selects the request format spoken by a provider.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindBedrock   Kind = "bedrock"
	KindLocal     Kind = "local"
)

// Provider interface defines the contract for all upstream providers. Request
// building is mechanical field mapping; responses are decoded by the stream
// package regardless of provider.
type Provider interface {
	Name() string
	Kind() Kind
	SupportsStreaming() bool
	GetEndpoint(model string, stream bool) string
	SetEndpoint(endpoint string)
	SetAPIKey(key string)
	SetHeaders(h http.Header)
	IsStreaming(headers map[string][]string) bool
	TransformRequest(params Params) ([]byte, error)
}

// Tool is a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Params is a provider independent chat request.
type Params struct {
	Model       string
	System      string
	Messages    []conversation.Message
	Tools       []Tool
	Stream      bool
	MaxTokens   int
	Temperature *float64
}

// Registry manages provider instances
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry
func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	provider, exists := r.providers[name]
	return provider, exists
}

// GetByDomain returns a provider based on the API base URL domain
func (r *Registry) GetByDomain(apiBase string) (Provider, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())
	if domain == "" {
		return nil, fmt.Errorf("invalid API base URL: %q has no host", apiBase)
	}

	domainProviderMap := map[string]string{
		"openrouter.ai":                     "openrouter",
		"api.openrouter.ai":                 "openrouter",
		"api.openai.com":                    "openai",
		"openai.com":                        "openai",
		"api.anthropic.com":                 "anthropic",
		"anthropic.com":                     "anthropic",
		"integrate.api.nvidia.com":          "nvidia",
		"api.nvidia.com":                    "nvidia",
		"generativelanguage.googleapis.com": "gemini",
		"googleapis.com":                    "gemini",
		"localhost":                         "ollama",
		"127.0.0.1":                         "ollama",
	}

	if providerName, exists := domainProviderMap[domain]; exists {
		if provider, found := r.Get(providerName); found {
			return provider, nil
		}
	}

	if strings.HasPrefix(domain, "bedrock-runtime.") && strings.HasSuffix(domain, ".amazonaws.com") {
		if provider, found := r.Get("bedrock"); found {
			return provider, nil
		}
	}

	return nil, fmt.Errorf("no provider found for domain: %s", domain)
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Initialize registers all built-in providers
func (r *Registry) Initialize() {
	r.Register(NewOpenAIProvider("openai", "https://api.openai.com/v1/chat/completions"))
	r.Register(NewOpenAIProvider("openrouter", "https://openrouter.ai/api/v1/chat/completions"))
	r.Register(NewOpenAIProvider("nvidia", "https://integrate.api.nvidia.com/v1/chat/completions"))
	r.Register(NewAnthropicProvider())
	r.Register(NewGeminiProvider())
	r.Register(NewBedrockProvider())
	r.Register(NewLocalProvider())
}

// New creates a provider of the given kind. An empty endpoint keeps the kind's
// default.
func New(kind Kind, name, endpoint, apiKey string) (Provider, error) {
	var p Provider

	switch kind {
	case KindOpenAI:
		p = NewOpenAIProvider(name, "")
	case KindAnthropic:
		p = NewAnthropicProvider()
	case KindGemini:
		p = NewGeminiProvider()
	case KindBedrock:
		p = NewBedrockProvider()
	case KindLocal:
		p = NewLocalProvider()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if n, ok := p.(namer); ok && name != "" {
		n.setName(name)
	}
	if endpoint != "" {
		p.SetEndpoint(endpoint)
	}
	p.SetAPIKey(apiKey)

	return p, nil
}

// ExtractModelFromConfig parses provider,model format
func ExtractModelFromConfig(modelConfig string) (provider, model string) {
	parts := strings.SplitN(modelConfig, ",", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}

	return "", strings.TrimSpace(modelConfig)
}

// IsStreamingContentType checks if the content type indicates streaming
func IsStreamingContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream") ||
		strings.HasPrefix(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "stream")
}

func isStreamingHeaders(headers map[string][]string) bool {
	for _, ct := range headers["Content-Type"] {
		if IsStreamingContentType(ct) {
			return true
		}
	}

	return false
}
