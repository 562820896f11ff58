package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/stream"
	"github.com/Davincible/chat-gateway/internal/wire"
)

const secondaryChunkSize = 256

// secondaryResult is one secondary model's slot. Each goroutine writes only
// its own slot.
type secondaryResult struct {
	target Target
	text   string
	err    error
}

// fanIn runs the secondaries concurrently with the primary pipeline, then
// appends their answers to the client stream and to the stored primary
// message.
func (g *Gateway) fanIn(ctx context.Context, req Request, history []conversation.Message, w wire.Writer, logger *slog.Logger) error {
	results := make([]secondaryResult, len(req.Secondaries))
	params := g.baseParams(req)
	params.Stream = false
	params.Tools = nil
	params.Messages = history

	var eg errgroup.Group
	for i, target := range req.Secondaries {
		i, target := i, target
		results[i].target = target
		eg.Go(func() error {
			p := params
			p.Model = target.Model
			results[i].text, results[i].err = g.complete(ctx, target, p, logger)
			return nil
		})
	}

	names := []string{req.Primary.Model}
	for _, s := range req.Secondaries {
		names = append(names, s.Model)
	}
	_ = w.Write(wire.Content(fmt.Sprintf("**Responses from %s**\n\n", strings.Join(names, ", "))))

	var primary strings.Builder
	tee := wire.NewTee(w, func(ev wire.Event) {
		if ev.Type == wire.TypeContentBlockDelta {
			primary.WriteString(ev.Content)
		}
	})

	last, primaryErr := g.orchestrate(ctx, req, history, tee, logger)

	_ = eg.Wait()

	var appended strings.Builder
	models := []map[string]any{{"model": req.Primary.Model, "provider": providerName(req.Primary), "status": statusOf(primaryErr)}}

	for _, res := range results {
		divider := fmt.Sprintf("\n\n---\n\n**%s**\n\n", res.target.Model)
		appended.WriteString(divider)
		_ = w.Write(wire.Content(divider))

		entry := map[string]any{"model": res.target.Model, "provider": providerName(res.target), "status": statusOf(res.err)}
		models = append(models, entry)

		if res.err != nil {
			logger.Error("Secondary model failed", "model", res.target.String(), "error", res.err)
			entry["error"] = res.err.Error()
			continue
		}

		appended.WriteString(res.text)
		for _, chunk := range chunkText(res.text, secondaryChunkSize) {
			_ = w.Write(wire.Content(chunk))
		}
	}

	g.mergeSecondaries(ctx, req, last, primary.String(), appended.String(), models, logger)
	g.emitUsageLimits(context.WithoutCancel(ctx), req.ConversationID, w, logger)

	return primaryErr
}

// complete asks one secondary for a whole answer and returns its text.
func (g *Gateway) complete(ctx context.Context, target Target, params providers.Params, logger *slog.Logger) (string, error) {
	resp, err := g.deps.Invoker.Invoke(ctx, target.Provider, params)
	if err != nil {
		return "", err
	}
	defer resp.Close()

	if !resp.Streaming() {
		return stream.ExtractText(resp.Body)
	}

	// the upstream streamed anyway
	var sb strings.Builder
	err = stream.Decode(ctx, resp.Stream, func(ev stream.Event) error {
		if ev.Kind == stream.KindContent {
			sb.WriteString(ev.Text)
		}
		return nil
	}, stream.WithLogger(logger))
	if err != nil {
		return "", err
	}
	if sb.Len() == 0 {
		return "", stream.ErrNoText
	}

	return sb.String(), nil
}

// mergeSecondaries appends the secondary output to the persisted primary
// message and flags it as multi-model.
func (g *Gateway) mergeSecondaries(ctx context.Context, req Request, last *conversation.Message, primaryText, appended string, models []map[string]any, logger *slog.Logger) {
	storeCtx := context.WithoutCancel(ctx)

	msgs, err := g.deps.Store.Get(storeCtx, req.ConversationID)
	if err != nil {
		logger.Error("Failed to load conversation for multi-model merge", "error", err)
		return
	}

	idx := conversation.LastAssistant(msgs, req.Primary.Model)
	if idx < 0 || last == nil || last.ID == "" || msgs[idx].ID != last.ID {
		// the primary produced nothing persisted; keep what the client saw
		msg := conversation.Message{
			Role:     conversation.RoleAssistant,
			Content:  primaryText + appended,
			Model:    req.Primary.Model,
			Metadata: map[string]any{conversation.MetadataMultiModel: true, "models": models},
		}
		if _, err := g.deps.Store.Add(storeCtx, req.ConversationID, msg); err != nil {
			logger.Error("Failed to persist multi-model message", "error", err)
		}
		return
	}

	msg := msgs[idx]
	msg.Content += appended
	msg.Metadata = maps.Clone(msg.Metadata)
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata[conversation.MetadataMultiModel] = true
	msg.Metadata["models"] = models

	if err := g.deps.Store.Update(storeCtx, req.ConversationID, msg); err != nil {
		logger.Error("Failed to update primary message", "error", err)
	}
}

func providerName(t Target) string {
	if t.Provider == nil {
		return ""
	}

	return t.Provider.Name()
}

func statusOf(err error) string {
	if err != nil {
		return conversation.StatusError
	}

	return conversation.StatusSuccess
}

// chunkText splits s into pieces of about size bytes without breaking runes.
func chunkText(s string, size int) []string {
	var chunks []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}

	return chunks
}
