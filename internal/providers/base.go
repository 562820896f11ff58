package providers

import (
	"encoding/json"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

const (
	ContentTypeEventStream = "text/event-stream"
	ContentTypeJSON        = "application/json"

	DefaultMaxTokens = 4096
)

type namer interface {
	setName(name string)
}

// baseProvider holds the fields shared by every provider.
type baseProvider struct {
	name     string
	endpoint string
	apiKey   string
}

func (b *baseProvider) Name() string {
	return b.name
}

func (b *baseProvider) SupportsStreaming() bool {
	return true
}

func (b *baseProvider) SetEndpoint(endpoint string) {
	b.endpoint = strings.TrimRight(endpoint, "/")
}

func (b *baseProvider) SetAPIKey(key string) {
	b.apiKey = key
}

func (b *baseProvider) IsStreaming(headers map[string][]string) bool {
	return isStreamingHeaders(headers)
}

func (b *baseProvider) setName(name string) {
	b.name = name
}

func (b *baseProvider) bearer(h map[string][]string) {
	if b.apiKey != "" {
		h["Authorization"] = []string{"Bearer " + b.apiKey}
	}
}

// systemPrompt joins the request system text with any system role messages.
func systemPrompt(params Params) string {
	parts := make([]string, 0, 1)
	if params.System != "" {
		parts = append(parts, params.System)
	}

	for _, m := range params.Messages {
		if m.Role == conversation.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}

	return strings.Join(parts, "\n\n")
}

// argumentsJSON renders tool call arguments as the JSON text some providers
// expect in place of an object.
func argumentsJSON(args map[string]any) string {
	if args == nil {
		return "{}"
	}

	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}

	return string(data)
}

func nonNilArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}

	return args
}

func maxTokens(params Params) int {
	if params.MaxTokens > 0 {
		return params.MaxTokens
	}

	return DefaultMaxTokens
}

// toolResultText is the text handed back to the model for a tool message.
func toolResultText(m conversation.Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.Data != nil {
		if data, err := json.Marshal(m.Data); err == nil {
			return string(data)
		}
	}

	return m.Status
}
