package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// DefaultBufferLimit is the largest unterminated line kept before truncation.
	DefaultBufferLimit = 100_000
	// DefaultBufferKeep is how much of the newest data survives a truncation.
	DefaultBufferKeep = 50_000

	readChunkSize = 32 * 1024
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for dropped lines and overflow warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBufferLimit overrides the overflow ceiling and the amount kept after a
// truncation. Non-positive values keep the defaults.
func WithBufferLimit(limit, keep int) Option {
	return func(d *Decoder) {
		if limit > 0 {
			d.limit = limit
		}
		if keep > 0 {
			d.keep = keep
		}
		if d.keep > d.limit {
			d.keep = d.limit
		}
	}
}

// Decoder incrementally parses one upstream SSE (or NDJSON) body into
// normalized events. It belongs to a single connection and is not safe for
// concurrent use.
type Decoder struct {
	logger *slog.Logger
	limit  int
	keep   int

	buf       []byte
	eventName string
	sawDone   bool
	closed    bool

	// counters, exposed for logging
	lines     int
	dropped   int
	overflows int
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		logger: slog.Default(),
		limit:  DefaultBufferLimit,
		keep:   DefaultBufferKeep,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Feed appends a raw chunk and returns the events of every complete line it
// finished. The trailing partial line stays buffered.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.closed || len(chunk) == 0 {
		return nil
	}

	d.buf = append(d.buf, chunk...)

	var events []Event

	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}

		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]

		events = append(events, d.processLine(line)...)
	}

	if len(d.buf) > d.limit {
		d.overflows++
		d.logger.Warn("Upstream buffer overflow, truncating",
			"buffered", len(d.buf),
			"kept", d.keep)

		kept := make([]byte, d.keep)
		copy(kept, d.buf[len(d.buf)-d.keep:])
		d.buf = kept
	}

	// release the backing array once it drains
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return events
}

// Close processes the residual fragment as a final line and reports end of
// stream. It returns a KindDone event unless [DONE] was already decoded.
func (d *Decoder) Close() []Event {
	if d.closed {
		return nil
	}

	var events []Event
	if len(d.buf) > 0 {
		events = d.processLine(string(d.buf))
		d.buf = nil
	}

	d.closed = true

	if !d.sawDone {
		d.sawDone = true
		events = append(events, Event{Kind: KindDone, FinishReason: "eof"})
	}

	d.logger.Debug("Upstream stream closed",
		"lines", d.lines,
		"dropped", d.dropped,
		"overflows", d.overflows)

	return events
}

// Dropped reports how many lines were discarded as undecodable.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) processLine(line string) []Event {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || d.sawDone {
		return nil
	}

	d.lines++

	// comment
	if line[0] == ':' {
		return nil
	}

	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return d.processNDJSON(line)
	}
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.eventName = strings.TrimSpace(value)
		return nil
	case "data":
		return d.processData(value)
	case "id", "retry":
		return nil
	default:
		return d.processNDJSON(line)
	}
}

// processNDJSON accepts bare JSON object lines, as streamed by local runtimes.
func (d *Decoder) processNDJSON(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	return d.processData(trimmed)
}

func (d *Decoder) processData(payload string) []Event {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}

	if payload == "[DONE]" {
		d.sawDone = true
		return []Event{{Kind: KindDone, FinishReason: "done"}}
	}

	if !gjson.Valid(payload) {
		d.dropped++
		d.logger.Warn("Dropping undecodable upstream line",
			"event", d.eventName,
			"payload", truncate(payload, 200))

		return nil
	}

	obj := gjson.Parse(payload)
	if !obj.IsObject() {
		d.dropped++
		d.logger.Warn("Dropping non-object upstream line", "payload", truncate(payload, 200))

		return nil
	}

	name, events := classify(obj, d.eventName)
	if name == "" {
		d.logger.Debug("Ignoring unrecognized upstream object",
			"event", d.eventName,
			"payload", truncate(payload, 200))
	}

	return events
}

// Decode pulls r until EOF, handing every decoded event to fn in order. It
// stops early when ctx is cancelled or fn returns an error. The end-of-stream
// events of Close are delivered on a clean EOF only.
func Decode(ctx context.Context, r io.Reader, fn func(Event) error, opts ...Option) error {
	d := NewDecoder(opts...)
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Feed(buf[:n]) {
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}
		}

		if errors.Is(err, io.EOF) {
			for _, ev := range d.Close() {
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}

			return nil
		}

		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
