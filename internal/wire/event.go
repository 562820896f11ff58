// Package wire defines the client-facing event protocol of the gateway.
//
// Every frame is a single SSE data line carrying a JSON object with a "type"
// field, followed by a blank line. A stream always ends with "data: [DONE]".
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is the discriminator of a client event.
type Type string

const (
	TypeState             Type = "state"
	TypeContentBlockDelta Type = "content_block_delta"
	TypeThinkingDelta     Type = "thinking_delta"
	TypeSignatureDelta    Type = "signature_delta"
	TypeContentBlockStart Type = "content_block_start"
	TypeContentBlockStop  Type = "content_block_stop"
	TypeToolUseStart      Type = "tool_use_start"
	TypeToolUseDelta      Type = "tool_use_delta"
	TypeToolUseStop       Type = "tool_use_stop"
	TypeToolResponseStart Type = "tool_response_start"
	TypeToolResponse      Type = "tool_response"
	TypeToolResponseEnd   Type = "tool_response_end"
	TypeMessageStart      Type = "message_start"
	TypeMessageDelta      Type = "message_delta"
	TypeMessageStop       Type = "message_stop"
	TypeUsageLimits       Type = "usage_limits"
	TypeError             Type = "error"
)

// Stream states carried by TypeState events.
const (
	StateInit           = "init"
	StateThinking       = "thinking"
	StatePostProcessing = "post_processing"
	StateDone           = "done"
)

// DoneSentinel terminates every client stream.
const DoneSentinel = "[DONE]"

// Usage is the token accounting reported in message_delta.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Citation is a source reference attached to a message.
type Citation struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Guardrails is the output-validation verdict reported after a turn.
// Passed is nil when no verdict was available.
type Guardrails struct {
	Passed     *bool    `json:"passed"`
	Violations []string `json:"violations"`
}

// PostProcessing groups metadata computed after the model finished.
type PostProcessing struct {
	Guardrails Guardrails `json:"guardrails"`
}

// ToolCallInfo describes one tool call in a tool_response_start event.
type ToolCallInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the payload of a tool_response event.
type ToolResult struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// UsageLimits is the refreshed quota snapshot sent after a turn.
type UsageLimits struct {
	Used      int   `json:"used"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at,omitempty"`
}

// Event is one client-facing frame. Only the fields relevant to Type are set.
type Event struct {
	Type Type `json:"type"`

	State     string `json:"state,omitempty"`
	Content   string `json:"content,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Index     *int   `json:"index,omitempty"`

	ToolID     string         `json:"tool_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters string         `json:"parameters,omitempty"`
	ToolCalls  []ToolCallInfo `json:"tool_calls,omitempty"`
	Result     *ToolResult    `json:"result,omitempty"`

	ID             string          `json:"id,omitempty"`
	Model          string          `json:"model,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	PostProcessing *PostProcessing `json:"post_processing,omitempty"`

	UsageLimits *UsageLimits `json:"usage_limits,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Frame renders an event as an SSE frame.
func Frame(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return []byte("data: {\"type\":\"error\",\"error\":\"failed to marshal event\"}\n\n")
	}

	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// DoneFrame is the literal terminal frame.
func DoneFrame() []byte {
	return []byte("data: " + DoneSentinel + "\n\n")
}

// Convenience constructors used across the pipeline.

func State(state string) Event { return Event{Type: TypeState, State: state} }

func Content(text string) Event { return Event{Type: TypeContentBlockDelta, Content: text} }

func Error(msg string) Event { return Event{Type: TypeError, Error: msg} }

func IntPtr(i int) *int { return &i }
