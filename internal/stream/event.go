// Package stream turns raw upstream bytes of any supported provider dialect
// into one ordered sequence of normalized events, reconstructs tool calls from
// their fragments and maps the result onto the client wire protocol.
package stream

import (
	"github.com/Davincible/chat-gateway/internal/wire"
)

// Kind identifies a normalized event.
type Kind int

const (
	KindContent Kind = iota + 1
	KindThinking
	KindSignature
	// KindToolCallDelta carries OpenAI-style indexed fragments.
	KindToolCallDelta
	// KindToolArgsDelta carries an Anthropic input_json_delta for a block index.
	KindToolArgsDelta
	// KindToolCalls carries fully formed calls that bypass accumulation.
	KindToolCalls
	KindCitations
	KindUsage
	KindLifecycle
	KindFinish
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindThinking:
		return "thinking"
	case KindSignature:
		return "signature"
	case KindToolCallDelta:
		return "tool_call_delta"
	case KindToolArgsDelta:
		return "tool_args_delta"
	case KindToolCalls:
		return "tool_calls"
	case KindCitations:
		return "citations"
	case KindUsage:
		return "usage"
	case KindLifecycle:
		return "lifecycle"
	case KindFinish:
		return "finish"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Lifecycle marker names shared by the Anthropic dialect and the client protocol.
const (
	LifecycleMessageStart      = "message_start"
	LifecycleContentBlockStart = "content_block_start"
	LifecycleContentBlockStop  = "content_block_stop"
	LifecycleMessageDelta      = "message_delta"
	LifecycleMessageStop       = "message_stop"
)

// Fragment is a piece of a tool call as it arrived from the upstream.
type Fragment struct {
	Index     int
	HasIndex  bool
	ID        string
	Name      string
	Arguments string
}

// Event is one normalized upstream signal.
type Event struct {
	Kind Kind

	// Text holds content, thinking, signature or error text.
	Text string

	// Name is the lifecycle marker name; Index its block index.
	Name  string
	Index int

	// Fragments holds tool call pieces for KindToolCallDelta, KindToolArgsDelta,
	// KindToolCalls and a tool_use content_block_start.
	Fragments []Fragment

	Citations    []wire.Citation
	Usage        *wire.Usage
	FinishReason string

	// MessageID and Model are reported by message_start style markers.
	MessageID string
	Model     string
}

// IsTerminal reports whether the event is one of the finalization triggers.
func (e Event) IsTerminal() bool {
	switch e.Kind {
	case KindFinish, KindDone:
		return true
	case KindLifecycle:
		return e.Name == LifecycleMessageStop
	default:
		return false
	}
}
