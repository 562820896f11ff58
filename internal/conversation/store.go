// Package conversation holds the message model of a chat and the stores that
// persist it.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/chat-gateway/internal/stream"
	"github.com/Davincible/chat-gateway/internal/wire"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool message statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MetadataMultiModel marks an assistant message that carries appended
// secondary model output.
const MetadataMultiModel = "multi_model"

var (
	ErrNotFound = errors.New("conversation: message not found")
	ErrNoID     = errors.New("conversation: message has no id")
)

// Message is one entry of a conversation. Assistant messages carry the turn
// summary; tool messages carry one tool result.
type Message struct {
	ID             string `json:"id" msgpack:"id"`
	ConversationID string `json:"conversation_id" msgpack:"conversation_id"`
	Role           string `json:"role" msgpack:"role"`
	Content        string `json:"content" msgpack:"content"`

	Thinking  string            `json:"thinking,omitempty" msgpack:"thinking,omitempty"`
	Signature string            `json:"signature,omitempty" msgpack:"signature,omitempty"`
	Citations []wire.Citation   `json:"citations,omitempty" msgpack:"citations,omitempty"`
	ToolCalls []stream.ToolCall `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`

	// tool messages
	ToolCallID string `json:"tool_call_id,omitempty" msgpack:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty" msgpack:"tool_name,omitempty"`
	Status     string `json:"status,omitempty" msgpack:"status,omitempty"`
	Data       any    `json:"data,omitempty" msgpack:"data,omitempty"`

	Usage        *wire.Usage      `json:"usage,omitempty" msgpack:"usage,omitempty"`
	Guardrails   *wire.Guardrails `json:"guardrails,omitempty" msgpack:"guardrails,omitempty"`
	Model        string           `json:"model,omitempty" msgpack:"model,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty" msgpack:"finish_reason,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt    time.Time        `json:"created_at" msgpack:"created_at"`
}

// Store persists conversations. Implementations must serialize concurrent
// appends to the same conversation.
type Store interface {
	// Add appends one message and returns it with ID and CreatedAt set.
	Add(ctx context.Context, conversationID string, msg Message) (Message, error)
	// AddBatch appends messages in order.
	AddBatch(ctx context.Context, conversationID string, msgs []Message) ([]Message, error)
	// Update replaces the stored message with the same ID.
	Update(ctx context.Context, conversationID string, msg Message) error
	// Get returns the conversation in insertion order.
	Get(ctx context.Context, conversationID string) ([]Message, error)
	// GetUsageLimits returns the token quota of the conversation.
	GetUsageLimits(ctx context.Context, conversationID string) (wire.UsageLimits, error)
}

// LastAssistant returns the index of the newest assistant message produced by
// model, or -1.
func LastAssistant(msgs []Message, model string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && (model == "" || msgs[i].Model == model) {
			return i
		}
	}

	return -1
}

func prepare(conversationID string, msg Message, now time.Time) Message {
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.ConversationID = conversationID

	return msg
}

func tokensOf(msg Message) int {
	if msg.Usage == nil {
		return 0
	}

	return msg.Usage.InputTokens + msg.Usage.OutputTokens
}

func limitsFor(used, limit int) wire.UsageLimits {
	remaining := -1
	if limit > 0 {
		remaining = max(limit-used, 0)
	}

	return wire.UsageLimits{Used: used, Limit: limit, Remaining: remaining}
}
