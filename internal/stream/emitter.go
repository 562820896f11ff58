package stream

import (
	"github.com/Davincible/chat-gateway/internal/wire"
)

// Emitter maps normalized events and tool call updates onto the client wire
// protocol, preserving decode order.
type Emitter struct {
	w        wire.Writer
	thinking bool
}

func NewEmitter(w wire.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes the wire events for one normalized event and the tool call
// updates it caused.
func (e *Emitter) Emit(ev Event, updates []Update) error {
	// a block start must reach the client before the tool_use_start it opens
	if ev.Kind == KindLifecycle && ev.Name == LifecycleContentBlockStart {
		if err := e.emitEvent(ev); err != nil {
			return err
		}

		return e.EmitUpdates(updates)
	}

	if err := e.EmitUpdates(updates); err != nil {
		return err
	}

	return e.emitEvent(ev)
}

// EmitUpdates writes tool_use_start, tool_use_delta and tool_use_stop events.
func (e *Emitter) EmitUpdates(updates []Update) error {
	for _, u := range updates {
		var out wire.Event

		switch u.Kind {
		case UpdateStarted:
			out = wire.Event{Type: wire.TypeToolUseStart, ToolID: u.ID, ToolName: u.Name}
		case UpdateDelta:
			out = wire.Event{Type: wire.TypeToolUseDelta, ToolID: u.ID, Parameters: u.Arguments}
		case UpdateStopped:
			out = wire.Event{Type: wire.TypeToolUseStop, ToolID: u.ID}
		default:
			continue
		}

		if err := e.w.Write(out); err != nil {
			return err
		}
	}

	return nil
}

func (e *Emitter) emitEvent(ev Event) error {
	switch ev.Kind {
	case KindContent:
		if ev.Text == "" {
			return nil
		}
		return e.w.Write(wire.Content(ev.Text))

	case KindThinking:
		if ev.Text == "" {
			return nil
		}
		if !e.thinking {
			e.thinking = true
			if err := e.w.Write(wire.State(wire.StateThinking)); err != nil {
				return err
			}
		}
		return e.w.Write(wire.Event{Type: wire.TypeThinkingDelta, Thinking: ev.Text})

	case KindSignature:
		if ev.Text == "" {
			return nil
		}
		return e.w.Write(wire.Event{Type: wire.TypeSignatureDelta, Signature: ev.Text})

	case KindError:
		return e.w.Write(wire.Error(ev.Text))

	case KindLifecycle:
		switch ev.Name {
		case LifecycleMessageStart:
			return e.w.Write(wire.Event{Type: wire.TypeMessageStart, ID: ev.MessageID, Model: ev.Model})
		case LifecycleContentBlockStart:
			return e.w.Write(wire.Event{Type: wire.TypeContentBlockStart, Index: wire.IntPtr(ev.Index)})
		case LifecycleContentBlockStop:
			return e.w.Write(wire.Event{Type: wire.TypeContentBlockStop, Index: wire.IntPtr(ev.Index)})
		}
		// message_delta and message_stop are re-issued by the finalizer
		return nil
	}

	// usage, citations, finish and done feed the turn summary only
	return nil
}
