package providers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

const defaultLocalEndpoint = "http://localhost:11434/api/chat"

// LocalProvider speaks the Ollama chat API, which streams NDJSON.
type LocalProvider struct {
	baseProvider
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{baseProvider: baseProvider{name: "ollama"}}
}

func (p *LocalProvider) Kind() Kind {
	return KindLocal
}

func (p *LocalProvider) GetEndpoint(string, bool) string {
	if p.endpoint == "" {
		return defaultLocalEndpoint
	}

	return p.endpoint
}

func (p *LocalProvider) SetHeaders(h http.Header) {
	p.bearer(h)
}

type localRequest struct {
	Model    string         `json:"model"`
	Messages []localMessage `json:"messages"`
	Tools    []openAITool   `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type localMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
}

type localToolCall struct {
	Function localFunction `json:"function"`
}

type localFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (p *LocalProvider) TransformRequest(params Params) ([]byte, error) {
	req := localRequest{Model: params.Model, Stream: params.Stream}

	if params.MaxTokens > 0 || params.Temperature != nil {
		req.Options = map[string]any{}
		if params.MaxTokens > 0 {
			req.Options["num_predict"] = params.MaxTokens
		}
		if params.Temperature != nil {
			req.Options["temperature"] = *params.Temperature
		}
	}

	if system := systemPrompt(params); system != "" {
		req.Messages = append(req.Messages, localMessage{Role: "system", Content: system})
	}

	for _, m := range params.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			req.Messages = append(req.Messages, localMessage{Role: "tool", Content: toolResultText(m), ToolName: m.ToolName})
		case conversation.RoleAssistant:
			msg := localMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, localToolCall{Function: localFunction{
					Name:      tc.Name,
					Arguments: nonNilArgs(tc.Arguments),
				}})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, localMessage{Role: m.Role, Content: m.Content})
		}
	}

	for _, t := range params.Tools {
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: t})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal local request: %w", err)
	}

	return data, nil
}
