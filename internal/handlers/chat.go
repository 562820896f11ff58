package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Davincible/chat-gateway/internal/config"
	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/gateway"
	"github.com/Davincible/chat-gateway/internal/tokens"
	"github.com/Davincible/chat-gateway/internal/wire"
)

const maxRequestBytes = 8 << 20

// Runner runs one chat request onto a client stream.
type Runner interface {
	Run(ctx context.Context, req gateway.Request, w wire.Writer) error
}

// Resolver maps a "provider,model" route to a callable target.
type Resolver interface {
	Resolve(route string) (gateway.Target, error)
}

// ChatRequest is the accepted request body. It follows the OpenAI chat shape
// with a few gateway extensions.
type ChatRequest struct {
	Model          string        `json:"model"`
	Models         []string      `json:"models,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	System         string        `json:"system,omitempty"`
	Messages       []ChatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxSteps       int           `json:"max_steps,omitempty"`
}

// ChatMessage content is either a string or an array of content parts.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// Text flattens the content to plain text.
func (m ChatMessage) Text() string {
	c := gjson.ParseBytes(m.Content)
	if !c.IsArray() {
		return c.String()
	}

	var sb strings.Builder
	for _, part := range c.Array() {
		if text := part.Get("text"); text.Exists() {
			sb.WriteString(text.String())
		}
	}

	return sb.String()
}

type ChatHandler struct {
	config   *config.Manager
	runner   Runner
	resolver Resolver
	logger   *slog.Logger
}

func NewChatHandler(config *config.Manager, runner Runner, resolver Resolver, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		config:   config,
		runner:   runner,
		resolver: resolver,
		logger:   logger,
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.httpError(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	var in ChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		h.httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	req, inputTokens, err := h.buildRequest(in)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, "%v", err)
		return
	}

	h.logger.Info("Chat request",
		"conversation", req.ConversationID,
		"model", req.Primary.String(),
		"secondaries", len(req.Secondaries),
		"messages", len(req.Messages),
		"input_tokens", inputTokens,
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Conversation-ID", req.ConversationID)
	w.WriteHeader(http.StatusOK)

	if err := h.runner.Run(r.Context(), req, wire.NewSSEWriter(w)); err != nil {
		h.logger.Warn("Chat request ended with error", "conversation", req.ConversationID, "error", err)
	}
}

// buildRequest validates the body and resolves its models. It also returns
// the estimated input size used for routing.
func (h *ChatHandler) buildRequest(in ChatRequest) (gateway.Request, int, error) {
	cfg := h.config.Get()

	req := gateway.Request{
		ConversationID: in.ConversationID,
		System:         in.System,
		MaxTokens:      in.MaxTokens,
		Temperature:    in.Temperature,
		MaxSteps:       in.MaxSteps,
	}
	if req.ConversationID == "" {
		req.ConversationID = "conv_" + uuid.NewString()
	}
	if req.System == "" {
		req.System = cfg.Gateway.SystemPrompt
	}

	texts := []string{req.System}
	for _, m := range in.Messages {
		text := m.Text()
		texts = append(texts, text)

		switch m.Role {
		case conversation.RoleSystem:
			req.System = strings.TrimSpace(req.System + "\n\n" + text)
		case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleTool:
			req.Messages = append(req.Messages, conversation.Message{
				Role:       m.Role,
				Content:    text,
				ToolCallID: m.ToolCallID,
				ToolName:   m.Name,
			})
		default:
			return req, 0, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(req.Messages) == 0 {
		return req, 0, fmt.Errorf("messages must contain at least one user, assistant or tool message")
	}

	inputTokens := tokens.CountAll(texts...)

	primary, err := h.resolver.Resolve(cfg.Router.SelectModel(in.Model, inputTokens))
	if err != nil {
		return req, inputTokens, err
	}
	req.Primary = primary

	secondaries := in.Models
	if secondaries == nil {
		secondaries = cfg.Router.Secondaries
	}
	for _, route := range secondaries {
		target, err := h.resolver.Resolve(route)
		if err != nil {
			return req, inputTokens, err
		}
		req.Secondaries = append(req.Secondaries, target)
	}

	return req, inputTokens, nil
}

func (h *ChatHandler) httpError(w http.ResponseWriter, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.logger.Error("HTTP Error", "code", code, "message", msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}
