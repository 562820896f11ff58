// Package tools executes the tool calls a model asks for.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/stream"
)

// ErrUnknownTool is returned for a call naming no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Result is the outcome of one tool execution.
type Result struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

// Executor runs tool calls and advertises the tools it can run.
type Executor interface {
	Execute(ctx context.Context, call stream.ToolCall) (Result, error)
	Definitions() []providers.Tool
}

// Func is an in-process tool.
type Func struct {
	Definition providers.Tool
	Run        func(ctx context.Context, args map[string]any) (Result, error)
}

// Registry executes in-process tools, handing unknown names to an optional
// fallback executor.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Func
	fallback Executor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(f Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[f.Definition.Name] = f
}

// SetFallback sets the executor used for names not registered here.
func (r *Registry) SetFallback(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = e
}

func (r *Registry) Execute(ctx context.Context, call stream.ToolCall) (Result, error) {
	r.mu.RLock()
	f, ok := r.tools[call.Name]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback != nil {
			return fallback.Execute(ctx, call)
		}

		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	res, err := f.Run(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if res.Status == "" {
		res.Status = conversation.StatusSuccess
	}

	return res, nil
}

// Definitions lists local tools sorted by name, then the fallback's.
func (r *Registry) Definitions() []providers.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.Tool, 0, len(r.tools))
	for _, f := range r.tools {
		defs = append(defs, f.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	if r.fallback != nil {
		defs = append(defs, r.fallback.Definitions()...)
	}

	return defs
}

// CurrentTime reports the current time in a requested IANA zone.
func CurrentTime(now func() time.Time) Func {
	return Func{
		Definition: providers.Tool{
			Name:        "current_time",
			Description: "Returns the current date and time, optionally in a given IANA time zone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{"type": "string", "description": "IANA zone, e.g. Europe/Paris"},
				},
			},
		},
		Run: func(_ context.Context, args map[string]any) (Result, error) {
			t := now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return Result{}, fmt.Errorf("load timezone: %w", err)
				}
				t = t.In(loc)
			}

			return Result{Content: t.Format(time.RFC3339)}, nil
		},
	}
}
