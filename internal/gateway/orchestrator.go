package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/dispatch"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/wire"
)

// StepContext tracks the bounded tool loop of one request.
type StepContext struct {
	// Current is the 1-based number of the step being run.
	Current int
	// Max bounds the number of upstream invocations. Zero or less means one.
	Max int
	// Base is the request every step is built from.
	Base providers.Params
}

// ShouldContinue reports whether another step may run after res.
func (sc StepContext) ShouldContinue(toolCalls int, toolError bool) bool {
	return toolCalls > 0 && sc.Max > 0 && sc.Current < sc.Max && !toolError
}

// Params returns the request for the current step over history.
func (sc StepContext) Params(history []conversation.Message) providers.Params {
	p := sc.Base
	p.Messages = history

	return p
}

// orchestrate runs steps until the model stops calling tools, a tool fails or
// the step budget is spent. It returns the last assistant message.
func (g *Gateway) orchestrate(ctx context.Context, req Request, history []conversation.Message, w wire.Writer, logger *slog.Logger) (*conversation.Message, error) {
	sc := StepContext{Max: g.maxSteps(req), Base: g.baseParams(req)}

	var last *conversation.Message
	for {
		sc.Current++

		if err := ctx.Err(); err != nil {
			logger.Warn("Request cancelled", "step", sc.Current, "error", err)
			return last, err
		}

		t := g.newTurn(ctx, w, logger, req.ConversationID, req.Primary, sc.Params(history), sc.Current)

		res, err := t.run(ctx)
		if err != nil {
			logger.Error("Provider request failed",
				"provider", req.Primary.Provider.Name(),
				"step", sc.Current,
				"kind", dispatch.KindOf(err),
				"error", err)
			_ = w.Write(wire.Error(clientError(err)))
			return last, err
		}

		assistant := res.assistant
		last = &assistant

		history = append(history, res.assistant)
		history = append(history, res.toolMessages...)

		if !sc.ShouldContinue(res.toolCalls, res.toolError) {
			if res.toolError {
				logger.Warn("Stopping after tool error", "step", sc.Current)
			} else if res.toolCalls > 0 {
				logger.Warn("Step limit reached", "step", sc.Current, "max_steps", sc.Max)
			}
			return last, nil
		}
	}
}

// clientError is the error text shown to the client for a failed dispatch.
func clientError(err error) string {
	var de *dispatch.Error
	if errors.As(err, &de) {
		if dispatch.IsAuthError(err) {
			return "authentication with " + de.Provider + " failed, check its api_key"
		}

		switch de.Kind {
		case dispatch.KindRateLimit:
			return "rate limit exceeded at " + de.Provider + ", please retry later"
		case dispatch.KindTimeout:
			return "request to " + de.Provider + " timed out"
		case dispatch.KindNetwork:
			return "could not reach " + de.Provider
		}
		return de.Error()
	}

	return err.Error()
}
