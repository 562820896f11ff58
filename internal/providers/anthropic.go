package providers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
)

type AnthropicProvider struct {
	baseProvider
}

func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{baseProvider: baseProvider{name: "anthropic"}}
}

func (p *AnthropicProvider) Kind() Kind {
	return KindAnthropic
}

func (p *AnthropicProvider) GetEndpoint(string, bool) string {
	if p.endpoint == "" {
		return defaultAnthropicEndpoint
	}

	return p.endpoint
}

func (p *AnthropicProvider) SetHeaders(h http.Header) {
	if p.apiKey != "" {
		h.Set("x-api-key", p.apiKey)
	}
	h.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

func (p *AnthropicProvider) TransformRequest(params Params) ([]byte, error) {
	data, err := json.Marshal(buildAnthropicRequest(params))
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	return data, nil
}

func buildAnthropicRequest(params Params) anthropicRequest {
	req := anthropicRequest{
		Model:       params.Model,
		MaxTokens:   maxTokens(params),
		System:      systemPrompt(params),
		Stream:      params.Stream,
		Temperature: params.Temperature,
	}

	for _, m := range params.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			block := anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   toolResultText(m),
				IsError:   m.Status == conversation.StatusError,
			}
			// consecutive tool results travel in one user turn
			if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" && isToolResultTurn(req.Messages[n-1]) {
				req.Messages[n-1].Content = append(req.Messages[n-1].Content, block)
				continue
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
		case conversation.RoleAssistant:
			msg := anthropicMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: nonNilArgs(tc.Arguments),
				})
			}
			if len(msg.Content) == 0 {
				msg.Content = []anthropicBlock{{Type: "text", Text: ""}}
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	for _, t := range params.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	return req
}

func isToolResultTurn(m anthropicMessage) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}

	return len(m.Content) > 0
}
