// Package gateway runs chat requests end to end: it dispatches to the
// upstream provider, normalizes the stream onto the client protocol, finalizes
// each turn exactly once, loops over tool calls and combines secondary models
// into the primary answer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/dispatch"
	"github.com/Davincible/chat-gateway/internal/guardrails"
	"github.com/Davincible/chat-gateway/internal/memory"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/tools"
	"github.com/Davincible/chat-gateway/internal/wire"
)

const DefaultMaxSteps = 5

// ErrEmptyRequest is returned for a request without input messages.
var ErrEmptyRequest = errors.New("gateway: request has no messages")

// Invoker sends one request upstream. *dispatch.Dispatcher satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, provider providers.Provider, params providers.Params) (*dispatch.Response, error)
}

// Deps are the collaborators of a Gateway. Tools and Memory may be nil.
type Deps struct {
	Invoker    Invoker
	Store      conversation.Store
	Guardrails guardrails.Validator
	Tools      tools.Executor
	Memory     memory.Extractor
}

// Config tunes request handling.
type Config struct {
	MaxSteps      int
	MemoryEnabled bool
	BufferLimit   int
	BufferKeep    int
}

// Target is one provider and model pair.
type Target struct {
	Provider providers.Provider
	Model    string
}

func (t Target) String() string {
	if t.Provider == nil {
		return t.Model
	}

	return t.Provider.Name() + "/" + t.Model
}

// Request is one logical chat request. Messages are the new input; earlier
// turns are loaded from the store by ConversationID.
type Request struct {
	ConversationID string
	Primary        Target
	Secondaries    []Target
	System         string
	Messages       []conversation.Message
	MaxTokens      int
	Temperature    *float64
	// MaxSteps overrides Config.MaxSteps when positive.
	MaxSteps int
}

type Gateway struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Guardrails == nil {
		deps.Guardrails = guardrails.Noop{}
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}

	return &Gateway{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Run handles req and writes the client stream to w. The stream always starts
// with state init and ends with state done followed by the terminal sentinel,
// whatever happens in between.
func (g *Gateway) Run(ctx context.Context, req Request, w wire.Writer) (err error) {
	if req.ConversationID == "" {
		req.ConversationID = "conv_" + uuid.NewString()
	}

	logger := g.logger.With("conversation", req.ConversationID)

	defer func() {
		if werr := w.Write(wire.State(wire.StateDone)); werr != nil {
			logger.Debug("Client gone before done state", "error", werr)
		}
		if derr := w.Done(); derr != nil {
			logger.Debug("Client gone before terminal sentinel", "error", derr)
		}
	}()

	if err := w.Write(wire.State(wire.StateInit)); err != nil {
		return fmt.Errorf("write init state: %w", err)
	}

	if req.Primary.Provider == nil {
		_ = w.Write(wire.Error(dispatch.ErrNoProvider.Error()))
		return dispatch.ErrNoProvider
	}

	history, err := g.prepare(ctx, req)
	if err != nil {
		logger.Error("Failed to load conversation", "error", err)
		_ = w.Write(wire.Error("failed to load conversation"))
		return err
	}

	if len(req.Secondaries) > 0 {
		return g.fanIn(ctx, req, history, w, logger)
	}

	_, err = g.orchestrate(ctx, req, history, w, logger)

	return err
}

// prepare persists the new input and returns the full history.
func (g *Gateway) prepare(ctx context.Context, req Request) ([]conversation.Message, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}

	if _, err := g.deps.Store.AddBatch(ctx, req.ConversationID, req.Messages); err != nil {
		return nil, fmt.Errorf("persist input: %w", err)
	}

	history, err := g.deps.Store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	return history, nil
}

// baseParams builds the provider request shared by every step.
func (g *Gateway) baseParams(req Request) providers.Params {
	params := providers.Params{
		Model:       req.Primary.Model,
		System:      req.System,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if g.deps.Tools != nil {
		params.Tools = g.deps.Tools.Definitions()
	}

	return params
}

func (g *Gateway) maxSteps(req Request) int {
	if req.MaxSteps > 0 {
		return req.MaxSteps
	}

	return g.cfg.MaxSteps
}

// emitUsageLimits refreshes and reports the conversation quota. Failures are
// logged and reported as no data.
func (g *Gateway) emitUsageLimits(ctx context.Context, convID string, w wire.Writer, logger *slog.Logger) {
	limits, err := g.deps.Store.GetUsageLimits(ctx, convID)
	if err != nil {
		logger.Error("Failed to refresh usage limits", "error", err)
		return
	}

	_ = w.Write(wire.Event{Type: wire.TypeUsageLimits, UsageLimits: &limits})
}
