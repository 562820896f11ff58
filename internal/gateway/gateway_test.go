package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/dispatch"
	"github.com/Davincible/chat-gateway/internal/guardrails"
	"github.com/Davincible/chat-gateway/internal/memory"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/tools"
	"github.com/Davincible/chat-gateway/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// reply is one scripted upstream answer.
type reply struct {
	stream string
	body   string
	err    error
}

// scriptedInvoker answers per model from a queue, repeating the last reply.
type scriptedInvoker struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   map[string]int
	params  []providers.Params
}

func newInvoker(replies map[string][]reply) *scriptedInvoker {
	return &scriptedInvoker{replies: replies, calls: make(map[string]int)}
}

func (s *scriptedInvoker) Invoke(_ context.Context, p providers.Provider, params providers.Params) (*dispatch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.replies[params.Model]
	n := s.calls[params.Model]
	s.calls[params.Model]++
	s.params = append(s.params, params)

	r := queue[min(n, len(queue)-1)]
	if r.err != nil {
		return nil, r.err
	}
	if r.body != "" {
		return &dispatch.Response{Provider: p.Name(), Status: 200, Body: []byte(r.body)}, nil
	}

	return &dispatch.Response{Provider: p.Name(), Status: 200, Stream: io.NopCloser(strings.NewReader(r.stream))}, nil
}

func (s *scriptedInvoker) count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[model]
}

const helloStream = `data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n" +
	`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
	"data: [DONE]\n\n"

// anthropicStream ends with all three finalization triggers.
const anthropicStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_up","model":"claude","usage":{"input_tokens":7,"output_tokens":1}}}` + "\n\n" +
	"event: content_block_start\n" +
	`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bonjour"}}` + "\n\n" +
	"event: content_block_stop\n" +
	`data: {"type":"content_block_stop","index":0}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n" +
	`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
	"data: [DONE]\n\n"

const toolStream = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}` + "\n\n" +
	`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}` + "\n\n" +
	`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
	"data: [DONE]\n\n"

const twoToolStream = `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_bad","function":{"name":"bad","arguments":"{}"}},{"index":1,"id":"call_ok","function":{"name":"lookup","arguments":"{}"}}]}}]}` + "\n\n" +
	`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
	"data: [DONE]\n\n"

func target(model string) Target {
	return Target{Provider: providers.NewOpenAIProvider("openai", ""), Model: model}
}

func userRequest(model, text string) Request {
	return Request{
		ConversationID: "conv_test",
		Primary:        target(model),
		Messages:       []conversation.Message{{Role: conversation.RoleUser, Content: text}},
	}
}

func testTools() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(tools.Func{
		Definition: providers.Tool{Name: "lookup"},
		Run: func(_ context.Context, args map[string]any) (tools.Result, error) {
			return tools.Result{Content: "found"}, nil
		},
	})
	r.Register(tools.Func{
		Definition: providers.Tool{Name: "bad"},
		Run: func(context.Context, map[string]any) (tools.Result, error) {
			return tools.Result{}, errors.New("tool exploded")
		},
	})

	return r
}

type fixture struct {
	gw      *Gateway
	invoker *scriptedInvoker
	store   *conversation.MemoryStore
	rec     *wire.Recorder
}

func newFixture(replies map[string][]reply, cfg Config, mutate ...func(*Deps)) *fixture {
	f := &fixture{
		invoker: newInvoker(replies),
		store:   conversation.NewMemoryStore(1000),
		rec:     &wire.Recorder{},
	}

	deps := Deps{Invoker: f.invoker, Store: f.store, Tools: testTools()}
	for _, m := range mutate {
		m(&deps)
	}
	f.gw = New(deps, cfg, quietLogger())

	return f
}

func (f *fixture) stored(t *testing.T) []conversation.Message {
	t.Helper()

	msgs, err := f.store.Get(context.Background(), "conv_test")
	require.NoError(t, err)

	return msgs
}

func TestRun_Hello(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	assert.Equal(t, "Hello", f.rec.Content())
	assert.Equal(t, 1, f.rec.DoneSent)

	types := f.rec.Types()
	assert.Equal(t, wire.TypeState, types[0])
	assert.Equal(t, wire.StateInit, f.rec.Events[0].State)
	last := f.rec.Events[len(f.rec.Events)-1]
	assert.Equal(t, wire.StateDone, last.State)

	deltas := f.rec.Filter(wire.TypeMessageDelta)
	require.Len(t, deltas, 1)
	assert.Equal(t, "stop", deltas[0].FinishReason)
	require.NotNil(t, deltas[0].Usage)
	assert.True(t, deltas[0].Usage.Estimated)
	require.NotNil(t, deltas[0].PostProcessing.Guardrails.Passed)
	assert.True(t, *deltas[0].PostProcessing.Guardrails.Passed)

	require.Len(t, f.rec.Filter(wire.TypeUsageLimits), 1)

	msgs := f.stored(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "m", msgs[1].Model)
	assert.Equal(t, deltas[0].ID, msgs[1].ID)
}

func TestRun_TrailingUsageIsPersisted(t *testing.T) {
	const usageStream = `data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}` + "\n\n" +
		"data: [DONE]\n\n"
	f := newFixture(map[string][]reply{"m": {{stream: usageStream}}}, Config{})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	deltas := f.rec.Filter(wire.TypeMessageDelta)
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Usage.Estimated)

	msgs := f.stored(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, &wire.Usage{InputTokens: 9, OutputTokens: 2}, msgs[1].Usage)
}

func TestRun_FinalizesOnceAcrossTriggers(t *testing.T) {
	f := newFixture(map[string][]reply{"claude": {{stream: anthropicStream}}}, Config{})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("claude", "salut"), f.rec))

	assert.Equal(t, "Bonjour", f.rec.Content())
	assert.Len(t, f.rec.Filter(wire.TypeMessageDelta), 1)
	assert.Len(t, f.rec.Filter(wire.TypeMessageStop), 1)
	assert.Len(t, f.rec.Filter(wire.TypeUsageLimits), 1)
	assert.Len(t, f.rec.Filter(wire.TypeMessageStart), 1)

	delta := f.rec.Filter(wire.TypeMessageDelta)[0]
	assert.Equal(t, &wire.Usage{InputTokens: 7, OutputTokens: 3}, delta.Usage)
	assert.Equal(t, "claude", delta.Model)

	msgs := f.stored(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "end_turn", msgs[1].Metadata["upstream_finish_reason"])
	assert.Equal(t, "msg_up", msgs[1].Metadata["upstream_message_id"])
}

func TestFinalizer_RunsOnce(t *testing.T) {
	var runs atomic.Int32
	f := NewFinalizer(func() { runs.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Trigger()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, f.Done())
	assert.False(t, f.Trigger())
}

func TestRun_ToolLoopIsBounded(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: toolStream}}}, Config{MaxSteps: 3})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "look it up"), f.rec))

	assert.Equal(t, 3, f.invoker.count("m"))
	assert.Len(t, f.rec.Filter(wire.TypeMessageDelta), 3)
	assert.Len(t, f.rec.Filter(wire.TypeToolResponse), 3)
	assert.Equal(t, 1, f.rec.DoneSent)

	starts := f.rec.Filter(wire.TypeToolUseStart)
	require.Len(t, starts, 3)
	assert.Equal(t, "lookup", starts[0].ToolName)
	assert.Len(t, f.rec.Filter(wire.TypeToolUseStop), 3)

	// each step sees the previous tool round trip
	require.Len(t, f.invoker.params, 3)
	assert.Len(t, f.invoker.params[0].Messages, 1)
	assert.Len(t, f.invoker.params[1].Messages, 3)
	assert.Len(t, f.invoker.params[2].Messages, 5)
	assert.NotEmpty(t, f.invoker.params[0].Tools)

	msgs := f.stored(t)
	require.Len(t, msgs, 7)
	assert.Equal(t, map[string]any{"q": float64(1)}, msgs[1].ToolCalls[0].Arguments)
	assert.Equal(t, "tool_calls", msgs[1].FinishReason)
	assert.Equal(t, "found", msgs[2].Content)
}

func TestRun_ToolErrorStopsLoop(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: twoToolStream}}}, Config{MaxSteps: 5})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "go"), f.rec))

	assert.Equal(t, 1, f.invoker.count("m"))

	responses := f.rec.Filter(wire.TypeToolResponse)
	require.Len(t, responses, 2, "the failing tool does not stop its siblings")
	assert.Equal(t, "call_bad", responses[0].ToolID)
	assert.Equal(t, conversation.StatusError, responses[0].Result.Status)
	assert.Contains(t, responses[0].Result.Content, "tool exploded")
	assert.Equal(t, conversation.StatusSuccess, responses[1].Result.Status)

	types := f.rec.Types()
	start := indexOf(types, wire.TypeToolResponseStart)
	end := indexOf(types, wire.TypeToolResponseEnd)
	require.True(t, start >= 0 && end > start)
	assert.Greater(t, start, indexOf(types, wire.TypeMessageStop))

	msgs := f.stored(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.StatusError, msgs[2].Status)
	assert.Equal(t, "call_ok", msgs[3].ToolCallID)
}

func TestRun_SingleStepWhenMaxStepsDisabled(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: toolStream}}}, Config{MaxSteps: -1})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "go"), f.rec))
	assert.Equal(t, 1, f.invoker.count("m"))
}

func TestRun_DispatchFailure(t *testing.T) {
	failure := &dispatch.Error{Kind: dispatch.KindRateLimit, Status: 429, Provider: "openai", Message: "slow down"}
	f := newFixture(map[string][]reply{"m": {{err: failure}}}, Config{})

	err := f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec)
	require.Error(t, err)
	assert.Equal(t, dispatch.KindRateLimit, dispatch.KindOf(err))

	errs := f.rec.Filter(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "rate limit")

	last := f.rec.Events[len(f.rec.Events)-1]
	assert.Equal(t, wire.StateDone, last.State)
	assert.Equal(t, 1, f.rec.DoneSent)
	assert.Empty(t, f.rec.Filter(wire.TypeMessageDelta))
}

func TestClientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"auth", &dispatch.Error{Kind: dispatch.KindAuthentication, Status: 401, Provider: "openai"}, "authentication with openai failed, check its api_key"},
		{"rate limit", &dispatch.Error{Kind: dispatch.KindRateLimit, Status: 429, Provider: "openai"}, "rate limit exceeded at openai, please retry later"},
		{"timeout", &dispatch.Error{Kind: dispatch.KindTimeout, Provider: "gemini"}, "request to gemini timed out"},
		{"plain", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientError(tt.err))
		})
	}
}

func TestRun_NoMessages(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{})

	req := userRequest("m", "")
	req.Messages = nil

	err := f.gw.Run(context.Background(), req, f.rec)
	assert.ErrorIs(t, err, ErrEmptyRequest)
	assert.Equal(t, 1, f.rec.DoneSent)
}

func TestRun_GuardrailsFailureIsMetadataOnly(t *testing.T) {
	validator, err := guardrails.NewPatternValidator([]string{"hello"})
	require.NoError(t, err)

	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{}, func(d *Deps) {
		d.Guardrails = validator
	})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	assert.Equal(t, "Hello", f.rec.Content(), "streamed content is never retracted")

	delta := f.rec.Filter(wire.TypeMessageDelta)[0]
	require.NotNil(t, delta.PostProcessing.Guardrails.Passed)
	assert.False(t, *delta.PostProcessing.Guardrails.Passed)
	assert.Equal(t, []string{"blocked_pattern: hello"}, delta.PostProcessing.Guardrails.Violations)

	msgs := f.stored(t)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, *msgs[1].Guardrails.Passed)
}

type failingValidator struct{}

func (failingValidator) ValidateOutput(context.Context, string) (guardrails.Verdict, error) {
	return guardrails.Verdict{}, errors.New("validator down")
}

func TestRun_GuardrailsErrorMeansNoVerdict(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{}, func(d *Deps) {
		d.Guardrails = failingValidator{}
	})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	delta := f.rec.Filter(wire.TypeMessageDelta)[0]
	assert.Nil(t, delta.PostProcessing.Guardrails.Passed)
	assert.Equal(t, 1, f.rec.DoneSent)
}

func TestRun_MemoryExtraction(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{MemoryEnabled: true}, func(d *Deps) {
		d.Memory = memory.NewPatternExtractor()
	})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "remember that I live in Lyon"), f.rec))

	assert.Equal(t, 1, f.invoker.count("m"), "memories never continue the loop")
	assert.Empty(t, f.rec.Filter(wire.TypeToolResponse))

	msgs := f.stored(t)
	require.Len(t, msgs, 3)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, MemoryToolName, msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "I live in Lyon", msgs[1].ToolCalls[0].Arguments["memory"])
	assert.Equal(t, "stop", msgs[1].FinishReason)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Equal(t, msgs[1].ToolCalls[0].ID, msgs[2].ToolCallID)
}

func TestRun_MemoryExtractedOncePerRequest(t *testing.T) {
	replies := []reply{{stream: toolStream}, {stream: toolStream}, {stream: helloStream}}
	f := newFixture(map[string][]reply{"m": replies}, Config{MaxSteps: 3, MemoryEnabled: true}, func(d *Deps) {
		d.Memory = memory.NewPatternExtractor()
	})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "remember that I live in Lyon"), f.rec))
	assert.Equal(t, 3, f.invoker.count("m"))

	var saves, savedResults int
	for _, msg := range f.stored(t) {
		for _, call := range msg.ToolCalls {
			if call.Name == MemoryToolName {
				saves++
				assert.Equal(t, "I live in Lyon", call.Arguments["memory"])
			}
		}
		if msg.Role == conversation.RoleTool && msg.ToolName == MemoryToolName {
			savedResults++
		}
	}

	assert.Equal(t, 1, saves)
	assert.Equal(t, 1, savedResults)
}

func TestRun_CompleteBodyFromUpstream(t *testing.T) {
	body := `{
  "choices": [{"message": {"role": "assistant", "content": "whole"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 4, "completion_tokens": 1}
}`
	f := newFixture(map[string][]reply{"m": {{body: body}}}, Config{})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	assert.Equal(t, "whole", f.rec.Content())
	delta := f.rec.Filter(wire.TypeMessageDelta)[0]
	assert.Equal(t, &wire.Usage{InputTokens: 4, OutputTokens: 1}, delta.Usage)
}

func TestRun_ConverseBodyFromUpstream(t *testing.T) {
	body := `{"output":{"message":{"role":"assistant","content":[{"text":"from bedrock"}]}},"stopReason":"end_turn","usage":{"inputTokens":6,"outputTokens":2}}`
	f := newFixture(map[string][]reply{"m": {{body: body}}}, Config{})

	require.NoError(t, f.gw.Run(context.Background(), userRequest("m", "hi"), f.rec))

	assert.Equal(t, "from bedrock", f.rec.Content())
	delta := f.rec.Filter(wire.TypeMessageDelta)[0]
	assert.Equal(t, &wire.Usage{InputTokens: 6, OutputTokens: 2}, delta.Usage)
	assert.Empty(t, f.rec.Filter(wire.TypeError))
}

func TestRun_ClientGone(t *testing.T) {
	f := newFixture(map[string][]reply{"m": {{stream: helloStream}}}, Config{})

	w := &brokenWriter{}
	err := f.gw.Run(context.Background(), userRequest("m", "hi"), w)
	require.Error(t, err)
	assert.Equal(t, 1, w.done)
}

type brokenWriter struct{ done int }

func (w *brokenWriter) Write(wire.Event) error { return wire.ErrClosed }

func (w *brokenWriter) Done() error {
	w.done++
	return wire.ErrClosed
}

func TestStepContext_ShouldContinue(t *testing.T) {
	tests := []struct {
		name      string
		sc        StepContext
		toolCalls int
		toolError bool
		want      bool
	}{
		{"tool calls below max", StepContext{Current: 1, Max: 3}, 1, false, true},
		{"no tool calls", StepContext{Current: 1, Max: 3}, 0, false, false},
		{"at max", StepContext{Current: 3, Max: 3}, 2, false, false},
		{"tool error", StepContext{Current: 1, Max: 3}, 1, true, false},
		{"loop disabled", StepContext{Current: 1, Max: 0}, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sc.ShouldContinue(tt.toolCalls, tt.toolError))
		})
	}
}

func indexOf(types []wire.Type, t wire.Type) int {
	for i, v := range types {
		if v == t {
			return i
		}
	}

	return -1
}

func TestRun_FanIn(t *testing.T) {
	replies := map[string][]reply{
		"a": {{stream: helloStream}},
		"b": {{err: &dispatch.Error{Kind: dispatch.KindProvider, Status: 500, Provider: "openai", Message: "boom"}}},
		"c": {{body: `{"choices":[{"message":{"role":"assistant","content":"from C"},"finish_reason":"stop"}]}`}},
	}
	f := newFixture(replies, Config{})

	req := userRequest("a", "compare")
	req.Secondaries = []Target{target("b"), target("c")}

	require.NoError(t, f.gw.Run(context.Background(), req, f.rec))

	want := "**Responses from a, b, c**\n\n" +
		"Hello" +
		"\n\n---\n\n**b**\n\n" +
		"\n\n---\n\n**c**\n\n" +
		"from C"
	assert.Equal(t, want, f.rec.Content())
	assert.Equal(t, 1, f.rec.DoneSent)

	for _, p := range f.invoker.params {
		if p.Model != "a" {
			assert.False(t, p.Stream)
			assert.Empty(t, p.Tools)
		}
	}

	msgs := f.stored(t)
	require.Len(t, msgs, 2)
	merged := msgs[1]
	assert.Equal(t, "a", merged.Model)
	assert.Equal(t, "Hello\n\n---\n\n**b**\n\n\n\n---\n\n**c**\n\nfrom C", merged.Content)
	assert.Equal(t, true, merged.Metadata[conversation.MetadataMultiModel])

	models, ok := merged.Metadata["models"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, models, 3)
	assert.Equal(t, conversation.StatusSuccess, models[0]["status"])
	assert.Equal(t, conversation.StatusError, models[1]["status"])
	assert.Equal(t, conversation.StatusSuccess, models[2]["status"])
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 4))
	assert.Equal(t, []string{"abcd", "ef"}, chunkText("abcdef", 4))

	chunks := chunkText("ééé", 3)
	assert.Equal(t, "ééé", strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q splits a rune", c)
	}
}
