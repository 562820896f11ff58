package wire

import (
	"errors"
	"io"
	"net/http"
)

// ErrClosed is returned when writing after Done.
var ErrClosed = errors.New("wire: writer closed")

// Writer receives client events in order. Done writes the terminal sentinel
// and must be called exactly once by the outermost runner.
type Writer interface {
	Write(ev Event) error
	Done() error
}

// SSEWriter writes frames to an io.Writer and flushes after each one when the
// underlying writer supports it.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)

	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) Write(ev Event) error {
	if s.closed {
		return ErrClosed
	}

	return s.write(Frame(ev))
}

func (s *SSEWriter) Done() error {
	if s.closed {
		return nil
	}

	s.closed = true

	return s.write(DoneFrame())
}

func (s *SSEWriter) write(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return err
	}

	if s.flusher != nil {
		s.flusher.Flush()
	}

	return nil
}

// Recorder keeps every event in memory. Used by tests and by the chat command.
type Recorder struct {
	Events   []Event
	DoneSent int
}

func (r *Recorder) Write(ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) Done() error {
	r.DoneSent++
	return nil
}

// Types returns the event types in emission order.
func (r *Recorder) Types() []Type {
	types := make([]Type, 0, len(r.Events))
	for _, ev := range r.Events {
		types = append(types, ev.Type)
	}

	return types
}

// Content concatenates every content_block_delta.
func (r *Recorder) Content() string {
	var out []byte
	for _, ev := range r.Events {
		if ev.Type == TypeContentBlockDelta {
			out = append(out, ev.Content...)
		}
	}

	return string(out)
}

// Filter returns the events of the given type.
func (r *Recorder) Filter(t Type) []Event {
	var out []Event
	for _, ev := range r.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}

	return out
}

// Tee forwards every event to next and lets observe inspect it first.
// Done is forwarded unchanged.
type Tee struct {
	next    Writer
	observe func(Event)
}

func NewTee(next Writer, observe func(Event)) *Tee {
	return &Tee{next: next, observe: observe}
}

func (t *Tee) Write(ev Event) error {
	if t.observe != nil {
		t.observe(ev)
	}

	return t.next.Write(ev)
}

func (t *Tee) Done() error {
	return t.next.Done()
}
