package providers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider speaks the chat completions API. OpenRouter, NVIDIA and any
// other compatible service use it with their own endpoint.
type OpenAIProvider struct {
	baseProvider
}

func NewOpenAIProvider(name, endpoint string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}

	p := &OpenAIProvider{baseProvider: baseProvider{name: name}}
	p.SetEndpoint(endpoint)

	return p
}

func (p *OpenAIProvider) Kind() Kind {
	return KindOpenAI
}

func (p *OpenAIProvider) GetEndpoint(string, bool) string {
	if p.endpoint == "" {
		return defaultOpenAIEndpoint
	}

	return p.endpoint
}

func (p *OpenAIProvider) SetHeaders(h http.Header) {
	p.bearer(h)
}

type openAIRequest struct {
	Model         string            `json:"model"`
	Messages      []openAIMessage   `json:"messages"`
	Tools         []openAITool      `json:"tools,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *openAIStreamOpts `json:"stream_options,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

func (p *OpenAIProvider) TransformRequest(params Params) ([]byte, error) {
	req := openAIRequest{
		Model:       params.Model,
		Stream:      params.Stream,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}

	if params.Stream {
		req.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}

	if system := systemPrompt(params); system != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: &system})
	}

	for _, m := range params.Messages {
		content := m.Content

		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			text := toolResultText(m)
			req.Messages = append(req.Messages, openAIMessage{Role: "tool", Content: &text, ToolCallID: m.ToolCallID})
		case conversation.RoleAssistant:
			msg := openAIMessage{Role: "assistant"}
			if content != "" || len(m.ToolCalls) == 0 {
				msg.Content = &content
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunction{Name: tc.Name, Arguments: argumentsJSON(tc.Arguments)},
				})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, openAIMessage{Role: m.Role, Content: &content})
		}
	}

	for _, t := range params.Tools {
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: t})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	return data, nil
}
