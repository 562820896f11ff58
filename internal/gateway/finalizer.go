package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/memory"
	"github.com/Davincible/chat-gateway/internal/stream"
	"github.com/Davincible/chat-gateway/internal/tokens"
	"github.com/Davincible/chat-gateway/internal/tools"
	"github.com/Davincible/chat-gateway/internal/wire"
)

const (
	finalizerPending int32 = iota
	finalizerDone
)

// MemoryToolName names the synthetic tool calls that carry extracted memories.
const MemoryToolName = "save_memory"

// Finalizer guards a turn's post-processing so it runs exactly once, whichever
// terminal signal arrives first.
type Finalizer struct {
	state atomic.Int32
	run   func()
}

func NewFinalizer(run func()) *Finalizer {
	return &Finalizer{run: run}
}

// Trigger runs the post-processing if it has not run yet. It reports whether
// this call ran it.
func (f *Finalizer) Trigger() bool {
	if !f.state.CompareAndSwap(finalizerPending, finalizerDone) {
		return false
	}

	f.run()

	return true
}

// Done reports whether post-processing has started.
func (f *Finalizer) Done() bool {
	return f.state.Load() == finalizerDone
}

// stepResult is what one finalized turn hands to the orchestrator.
type stepResult struct {
	assistant    conversation.Message
	toolMessages []conversation.Message
	toolCalls    int
	toolError    bool
}

// finalize is the post-processing of one turn. It never aborts: collaborator
// failures are logged and reported as missing data.
func (t *turn) finalize(ctx context.Context) {
	g, w, logger := t.g, t.w, t.logger
	// persistence outlives a client disconnect
	storeCtx := context.WithoutCancel(ctx)

	t.write(wire.State(wire.StatePostProcessing))
	t.write(wire.Event{Type: wire.TypeContentBlockStop})

	pending := t.acc.Close()
	calls := t.acc.Snapshot()
	content := t.content.String()

	guard := wire.Guardrails{Violations: []string{}}
	if content != "" {
		verdict, err := g.deps.Guardrails.ValidateOutput(ctx, content)
		if err != nil {
			logger.Error("Guardrails validation failed", "error", err)
		} else {
			passed := verdict.Passed
			guard.Passed = &passed
			if len(verdict.Violations) > 0 {
				guard.Violations = verdict.Violations
			}
			if !passed {
				logger.Warn("Guardrails flagged response", "violations", verdict.Violations)
			}
		}
	}

	memCalls, memMessages := t.extractMemories(ctx)

	usage := t.usage
	if usage == nil || (usage.InputTokens == 0 && usage.OutputTokens == 0) {
		usage = t.estimateUsage(content)
	}

	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	}

	msg := conversation.Message{
		Role:         conversation.RoleAssistant,
		Content:      content,
		Thinking:     t.thinking.String(),
		Signature:    t.signature.String(),
		Citations:    t.citations,
		ToolCalls:    append(append([]stream.ToolCall{}, calls...), memCalls...),
		Usage:        usage,
		Guardrails:   &guard,
		Model:        t.target.Model,
		FinishReason: finish,
		CreatedAt:    g.now(),
	}
	if t.upstreamFinish != "" || t.messageID != "" || len(t.acc.Warnings()) > 0 {
		msg.Metadata = map[string]any{}
		if t.upstreamFinish != "" {
			msg.Metadata["upstream_finish_reason"] = t.upstreamFinish
		}
		if t.messageID != "" {
			msg.Metadata["upstream_message_id"] = t.messageID
		}
		if warnings := t.acc.Warnings(); len(warnings) > 0 {
			msg.Metadata["tool_parse_errors"] = warnings
		}
	}

	stored, err := g.deps.Store.Add(storeCtx, t.convID, msg)
	if err != nil {
		logger.Error("Failed to persist assistant message", "error", err)
		stored = msg
	}
	t.result.assistant = stored

	messageID := stored.ID
	if messageID == "" {
		messageID = t.messageID
	}
	model := t.upstreamModel
	if model == "" {
		model = t.target.Model
	}

	t.write(wire.Event{
		Type:           wire.TypeMessageDelta,
		ID:             messageID,
		Model:          model,
		Usage:          usage,
		Citations:      t.citations,
		FinishReason:   finish,
		PostProcessing: &wire.PostProcessing{Guardrails: guard},
	})
	t.write(wire.Event{Type: wire.TypeMessageStop})

	toolMessages := memMessages
	if len(calls) > 0 {
		if err := t.em.EmitUpdates(pending); err != nil {
			logger.Debug("Client gone during tool stop", "error", err)
		}
		toolMessages = append(t.runTools(ctx, calls), toolMessages...)
	}

	if len(toolMessages) > 0 {
		persisted, err := g.deps.Store.AddBatch(storeCtx, t.convID, toolMessages)
		if err != nil {
			logger.Error("Failed to persist tool results", "error", err)
			persisted = toolMessages
		}
		t.result.toolMessages = persisted
	}
	t.result.toolCalls = len(calls)

	g.emitUsageLimits(storeCtx, t.convID, w, logger)

	logger.Info("Turn finalized",
		"step", t.step,
		"finish_reason", finish,
		"tool_calls", len(calls),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"estimated", usage.Estimated)
}

// recordLateUsage replaces an estimate on the persisted assistant message with
// usage the upstream reported after finalization, such as the trailing OpenAI
// usage chunk. The client already saw the estimate.
func (t *turn) recordLateUsage(ctx context.Context) {
	msg := t.result.assistant
	late := t.lateUsage
	if late == nil || late.InputTokens+late.OutputTokens == 0 || msg.ID == "" || msg.Usage == nil || !msg.Usage.Estimated {
		return
	}

	msg.Usage = &wire.Usage{InputTokens: late.InputTokens, OutputTokens: late.OutputTokens}
	if err := t.g.deps.Store.Update(context.WithoutCancel(ctx), t.convID, msg); err != nil {
		t.logger.Error("Failed to record late usage", "error", err)
		return
	}
	t.result.assistant = msg

	t.logger.Debug("Recorded late usage",
		"input_tokens", late.InputTokens,
		"output_tokens", late.OutputTokens)
}

// runTools executes each call in order. A failing tool yields an error-shaped
// result and the remaining tools still run.
func (t *turn) runTools(ctx context.Context, calls []stream.ToolCall) []conversation.Message {
	infos := make([]wire.ToolCallInfo, 0, len(calls))
	for _, c := range calls {
		infos = append(infos, wire.ToolCallInfo{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	t.write(wire.Event{Type: wire.TypeToolResponseStart, ToolCalls: infos})

	messages := make([]conversation.Message, 0, len(calls))
	for _, c := range calls {
		res, err := t.execute(ctx, c)
		if err != nil {
			t.logger.Error("Tool execution failed", "tool", c.Name, "tool_id", c.ID, "error", err)
			res = tools.Result{Status: conversation.StatusError, Content: err.Error()}
		}
		if res.Status == "" {
			res.Status = conversation.StatusSuccess
		}
		if res.Status == conversation.StatusError {
			t.result.toolError = true
		}

		t.write(wire.Event{
			Type:   wire.TypeToolResponse,
			ToolID: c.ID,
			Result: &wire.ToolResult{Status: res.Status, Content: res.Content, Data: res.Data},
		})

		messages = append(messages, conversation.Message{
			Role:       conversation.RoleTool,
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Status:     res.Status,
			Content:    res.Content,
			Data:       res.Data,
			CreatedAt:  t.g.now(),
		})
	}

	t.write(wire.Event{Type: wire.TypeToolResponseEnd})

	return messages
}

func (t *turn) execute(ctx context.Context, call stream.ToolCall) (res tools.Result, err error) {
	if t.g.deps.Tools == nil {
		return tools.Result{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	return t.g.deps.Tools.Execute(ctx, call)
}

// extractMemories turns extracted memories into tool call records and their
// tool messages so they persist like any other tool round trip.
// extractMemories runs on the first step only. Later steps of the tool loop
// see the same user message.
func (t *turn) extractMemories(ctx context.Context) ([]stream.ToolCall, []conversation.Message) {
	g := t.g
	if !g.cfg.MemoryEnabled || g.deps.Memory == nil || t.step > 1 {
		return nil, nil
	}

	mems, err := g.deps.Memory.Extract(ctx, t.history, t.content.String())
	if err != nil {
		t.logger.Error("Memory extraction failed", "error", err)
		return nil, nil
	}

	var (
		calls    []stream.ToolCall
		messages []conversation.Message
	)
	for _, m := range mems {
		call := memoryCall(m)
		calls = append(calls, call)
		messages = append(messages, conversation.Message{
			Role:       conversation.RoleTool,
			ToolCallID: call.ID,
			ToolName:   MemoryToolName,
			Status:     conversation.StatusSuccess,
			Content:    "Memory saved: " + m.Text,
			CreatedAt:  g.now(),
		})
	}

	return calls, messages
}

func memoryCall(m memory.Memory) stream.ToolCall {
	return stream.ToolCall{
		ID:        "call_" + uuid.NewString(),
		Name:      MemoryToolName,
		Arguments: map[string]any{"memory": m.Text, "category": m.Category},
	}
}

func (t *turn) estimateUsage(content string) *wire.Usage {
	input := tokens.Count(t.params.System)
	for _, m := range t.history {
		input += tokens.Count(m.Content)
	}

	return &wire.Usage{
		InputTokens:  input,
		OutputTokens: tokens.CountAll(content, t.thinking.String()),
		Estimated:    true,
	}
}
