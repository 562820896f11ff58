package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/dispatch"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/stream"
	"github.com/Davincible/chat-gateway/internal/wire"
)

// turn is one upstream invocation: decode, accumulate, emit and finalize.
// It is owned by the connection goroutine and holds no locks.
type turn struct {
	g      *Gateway
	w      wire.Writer
	logger *slog.Logger

	convID  string
	target  Target
	params  providers.Params
	history []conversation.Message
	step    int

	acc *stream.Accumulator
	em  *stream.Emitter
	fin *Finalizer

	content   strings.Builder
	thinking  strings.Builder
	signature strings.Builder
	citations []wire.Citation
	usage     *wire.Usage
	lateUsage *wire.Usage

	upstreamFinish string
	messageID      string
	upstreamModel  string

	writeFailed bool
	result      stepResult
}

func (g *Gateway) newTurn(ctx context.Context, w wire.Writer, logger *slog.Logger, convID string, target Target, params providers.Params, step int) *turn {
	t := &turn{
		g:       g,
		w:       w,
		logger:  logger,
		convID:  convID,
		target:  target,
		params:  params,
		history: params.Messages,
		step:    step,
		acc:     stream.NewAccumulator(logger),
		em:      stream.NewEmitter(w),
	}
	t.fin = NewFinalizer(func() { t.finalize(ctx) })

	return t
}

// run invokes the upstream and drives the stream to finalization. A dispatch
// failure is returned without finalizing since nothing was produced.
func (t *turn) run(ctx context.Context) (stepResult, error) {
	resp, err := t.g.deps.Invoker.Invoke(ctx, t.target.Provider, t.params)
	if err != nil {
		return stepResult{}, err
	}
	defer resp.Close()

	t.logger.Info("Proxying request",
		"provider", t.target.Provider.Name(),
		"model", t.target.Model,
		"step", t.step,
		"streaming", resp.Streaming(),
		"attempts", resp.Attempts)

	opts := []stream.Option{stream.WithLogger(t.logger)}
	if t.g.cfg.BufferLimit > 0 {
		opts = append(opts, stream.WithBufferLimit(t.g.cfg.BufferLimit, t.g.cfg.BufferKeep))
	}

	decodeErr := stream.Decode(ctx, bodyReader(resp), t.handle, opts...)

	switch {
	case decodeErr == nil:
	case errors.Is(decodeErr, context.Canceled), errors.Is(decodeErr, context.DeadlineExceeded):
		t.logger.Warn("Stream cancelled", "error", decodeErr)
	case t.writeFailed:
		t.logger.Debug("Stream aborted, client gone", "error", decodeErr)
	default:
		t.logger.Error("Stream interrupted", "error", decodeErr)
		t.write(wire.Error(fmt.Sprintf("upstream stream interrupted: %v", decodeErr)))
	}

	// stream close is itself a trigger
	t.fin.Trigger()
	t.recordLateUsage(ctx)

	return t.result, nil
}

// bodyReader returns the live stream, or a complete body compacted onto one
// line so the decoder reads it as a single NDJSON event.
func bodyReader(resp *dispatch.Response) io.Reader {
	if resp.Streaming() {
		return resp.Stream
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, resp.Body); err != nil {
		return bytes.NewReader(resp.Body)
	}
	buf.WriteByte('\n')

	return &buf
}

// handle consumes one normalized event. After finalization only usage is
// kept, for recordLateUsage.
func (t *turn) handle(ev stream.Event) error {
	if t.fin.Done() {
		if ev.Kind == stream.KindUsage {
			mergeUsage(&t.lateUsage, ev.Usage)
		}
		return nil
	}

	updates := t.acc.Observe(ev)
	if err := t.em.Emit(ev, updates); err != nil {
		t.writeFailed = true
		return fmt.Errorf("write client event: %w", err)
	}

	switch ev.Kind {
	case stream.KindContent:
		t.content.WriteString(ev.Text)
	case stream.KindThinking:
		t.thinking.WriteString(ev.Text)
	case stream.KindSignature:
		t.signature.WriteString(ev.Text)
	case stream.KindCitations:
		t.citations = append(t.citations, ev.Citations...)
	case stream.KindUsage:
		mergeUsage(&t.usage, ev.Usage)
	case stream.KindError:
		t.logger.Warn("Upstream reported error", "error", ev.Text)
	case stream.KindLifecycle:
		if ev.MessageID != "" {
			t.messageID = ev.MessageID
		}
		if ev.Model != "" {
			t.upstreamModel = ev.Model
		}
	}

	if ev.FinishReason != "" {
		t.upstreamFinish = ev.FinishReason
	}

	if ev.IsTerminal() {
		t.fin.Trigger()
	}

	return nil
}

// mergeUsage keeps the latest non-zero count of each side. Anthropic reports
// input tokens at message start and output tokens at message delta.
func mergeUsage(dst **wire.Usage, u *wire.Usage) {
	if u == nil {
		return
	}
	if *dst == nil {
		*dst = &wire.Usage{}
	}
	if u.InputTokens > 0 {
		(*dst).InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		(*dst).OutputTokens = u.OutputTokens
	}
}

// write sends one event, remembering when the client is gone.
func (t *turn) write(ev wire.Event) {
	if err := t.w.Write(ev); err != nil {
		if !t.writeFailed {
			t.logger.Debug("Client write failed", "type", ev.Type, "error", err)
		}
		t.writeFailed = true
	}
}
