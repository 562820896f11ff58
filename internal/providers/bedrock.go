package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

// BedrockProvider speaks the Bedrock Converse API, authenticated with a
// Bedrock API key. It has no default endpoint: the public runtime host frames
// streams as AWS event-stream, so the configured base must be an access
// gateway that delivers SSE or NDJSON framed JSON events.
type BedrockProvider struct {
	baseProvider
}

func NewBedrockProvider() *BedrockProvider {
	return &BedrockProvider{baseProvider: baseProvider{name: "bedrock"}}
}

func (p *BedrockProvider) Kind() Kind {
	return KindBedrock
}

func (p *BedrockProvider) GetEndpoint(model string, stream bool) string {
	base := strings.TrimRight(p.endpoint, "/")

	method := "converse"
	if stream {
		method = "converse-stream"
	}

	return fmt.Sprintf("%s/model/%s/%s", base, url.PathEscape(model), method)
}

func (p *BedrockProvider) SetHeaders(h http.Header) {
	p.bearer(h)
}

type converseRequest struct {
	Messages        []converseMessage   `json:"messages"`
	System          []converseBlock     `json:"system,omitempty"`
	InferenceConfig *converseInference  `json:"inferenceConfig,omitempty"`
	ToolConfig      *converseToolConfig `json:"toolConfig,omitempty"`
}

type converseMessage struct {
	Role    string          `json:"role"`
	Content []converseBlock `json:"content"`
}

type converseBlock struct {
	Text       string              `json:"text,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type converseToolResult struct {
	ToolUseID string          `json:"toolUseId"`
	Content   []converseBlock `json:"content"`
	Status    string          `json:"status,omitempty"`
}

type converseInference struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type converseToolConfig struct {
	Tools []converseTool `json:"tools"`
}

type converseTool struct {
	ToolSpec converseToolSpec `json:"toolSpec"`
}

type converseToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (p *BedrockProvider) TransformRequest(params Params) ([]byte, error) {
	req := converseRequest{
		InferenceConfig: &converseInference{MaxTokens: maxTokens(params), Temperature: params.Temperature},
	}

	if system := systemPrompt(params); system != "" {
		req.System = []converseBlock{{Text: system}}
	}

	for _, m := range params.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			status := "success"
			if m.Status == conversation.StatusError {
				status = "error"
			}
			block := converseBlock{ToolResult: &converseToolResult{
				ToolUseID: m.ToolCallID,
				Content:   []converseBlock{{Text: toolResultText(m)}},
				Status:    status,
			}}
			if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" && req.Messages[n-1].Content[0].ToolResult != nil {
				req.Messages[n-1].Content = append(req.Messages[n-1].Content, block)
				continue
			}
			req.Messages = append(req.Messages, converseMessage{Role: "user", Content: []converseBlock{block}})
		case conversation.RoleAssistant:
			msg := converseMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, converseBlock{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, converseBlock{ToolUse: &converseToolUse{
					ToolUseID: tc.ID,
					Name:      tc.Name,
					Input:     nonNilArgs(tc.Arguments),
				}})
			}
			if len(msg.Content) == 0 {
				msg.Content = []converseBlock{{Text: " "}}
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, converseMessage{Role: "user", Content: []converseBlock{{Text: m.Content}}})
		}
	}

	if len(params.Tools) > 0 {
		req.ToolConfig = &converseToolConfig{}
		for _, t := range params.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			req.ToolConfig.Tools = append(req.ToolConfig.Tools, converseTool{ToolSpec: converseToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: map[string]any{"json": schema},
			}})
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock request: %w", err)
	}

	return data, nil
}
