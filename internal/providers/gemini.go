package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider speaks the Google Studio generateContent API.
type GeminiProvider struct {
	baseProvider
}

func NewGeminiProvider() *GeminiProvider {
	return &GeminiProvider{baseProvider: baseProvider{name: "gemini"}}
}

func (p *GeminiProvider) Kind() Kind {
	return KindGemini
}

// GetEndpoint builds the per-model URL. A configured endpoint that already
// names a method is used as is.
func (p *GeminiProvider) GetEndpoint(model string, stream bool) string {
	base := p.endpoint
	if base == "" {
		base = defaultGeminiEndpoint
	}

	if strings.Contains(base, ":generateContent") || strings.Contains(base, ":streamGenerateContent") {
		return base
	}

	if stream {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", base, model)
	}

	return fmt.Sprintf("%s/models/%s:generateContent", base, model)
}

func (p *GeminiProvider) SetHeaders(h http.Header) {
	if p.apiKey != "" {
		h.Set("x-goog-api-key", p.apiKey)
	}
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Tools             []geminiTools    `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTools struct {
	FunctionDeclarations []Tool `json:"functionDeclarations"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

func (p *GeminiProvider) TransformRequest(params Params) ([]byte, error) {
	req := geminiRequest{}

	if system := systemPrompt(params); system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	if params.MaxTokens > 0 || params.Temperature != nil {
		req.GenerationConfig = &geminiGenConfig{MaxOutputTokens: params.MaxTokens, Temperature: params.Temperature}
	}

	for _, m := range params.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleTool:
			part := geminiPart{FunctionResponse: &geminiFunctionResp{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"content": toolResultText(m), "status": m.Status},
			}}
			if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == "user" && req.Contents[n-1].Parts[0].FunctionResponse != nil {
				req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, part)
				continue
			}
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{part}})
		case conversation.RoleAssistant:
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: nonNilArgs(tc.Arguments),
				}})
			}
			if len(content.Parts) == 0 {
				content.Parts = []geminiPart{{Text: ""}}
			}
			req.Contents = append(req.Contents, content)
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	if len(params.Tools) > 0 {
		req.Tools = []geminiTools{{FunctionDeclarations: params.Tools}}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	return data, nil
}
