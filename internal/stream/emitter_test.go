package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/chat-gateway/internal/wire"
)

func TestEmitter_AnthropicTurn(t *testing.T) {
	events := decodeAll(t,
		`data: {"type":"message_start","message":{"id":"msg_9","model":"claude"}}`+"\n\n",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hm"}}`+"\n\n",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"m"}}`+"\n\n",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"s1"}}`+"\n\n",
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hi"}}`+"\n\n",
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t1","name":"search","input":{}}}`+"\n\n",
		`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{}"}}`+"\n\n",
		`data: {"type":"content_block_stop","index":2}`+"\n\n",
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}`+"\n\n",
		`data: {"type":"message_stop"}`+"\n\n",
	)

	rec := &wire.Recorder{}
	em := NewEmitter(rec)
	acc := NewAccumulator(quietLogger())

	for _, ev := range events {
		require.NoError(t, em.Emit(ev, acc.Observe(ev)))
	}

	assert.Equal(t, []wire.Type{
		wire.TypeMessageStart,
		wire.TypeState,
		wire.TypeThinkingDelta,
		wire.TypeThinkingDelta,
		wire.TypeSignatureDelta,
		wire.TypeContentBlockDelta,
		wire.TypeContentBlockStart,
		wire.TypeToolUseStart,
		wire.TypeToolUseDelta,
		wire.TypeToolUseStop,
		wire.TypeContentBlockStop,
	}, rec.Types())

	assert.Equal(t, "msg_9", rec.Events[0].ID)
	assert.Equal(t, wire.StateThinking, rec.Events[1].State)
	assert.Equal(t, "hi", rec.Content())

	start := rec.Filter(wire.TypeToolUseStart)[0]
	assert.Equal(t, "t1", start.ToolID)
	assert.Equal(t, "search", start.ToolName)
	assert.Equal(t, "{}", rec.Filter(wire.TypeToolUseDelta)[0].Parameters)
	assert.Equal(t, 2, *rec.Filter(wire.TypeContentBlockStop)[0].Index)
}

func TestEmitter_ToolOrderPerID(t *testing.T) {
	rec := &wire.Recorder{}
	em := NewEmitter(rec)
	acc := NewAccumulator(quietLogger())

	for _, ev := range []Event{
		openAIDelta(0, "a", "fa", `{"x":`),
		openAIDelta(1, "b", "fb", `{}`),
		openAIDelta(0, "", "", `1}`),
	} {
		require.NoError(t, em.Emit(ev, acc.Observe(ev)))
	}
	require.NoError(t, em.EmitUpdates(acc.Close()))

	seen := map[string][]wire.Type{}
	for _, ev := range rec.Events {
		seen[ev.ToolID] = append(seen[ev.ToolID], ev.Type)
	}

	assert.Equal(t, []wire.Type{wire.TypeToolUseStart, wire.TypeToolUseDelta, wire.TypeToolUseDelta, wire.TypeToolUseStop}, seen["a"])
	assert.Equal(t, []wire.Type{wire.TypeToolUseStart, wire.TypeToolUseDelta, wire.TypeToolUseStop}, seen["b"])
}

func TestEmitter_ErrorAndSilentKinds(t *testing.T) {
	rec := &wire.Recorder{}
	em := NewEmitter(rec)

	require.NoError(t, em.Emit(Event{Kind: KindUsage, Usage: &wire.Usage{OutputTokens: 1}}, nil))
	require.NoError(t, em.Emit(Event{Kind: KindFinish, FinishReason: "stop"}, nil))
	require.NoError(t, em.Emit(Event{Kind: KindDone}, nil))
	require.NoError(t, em.Emit(Event{Kind: KindContent}, nil))
	require.NoError(t, em.Emit(Event{Kind: KindError, Text: "boom"}, nil))

	require.Len(t, rec.Events, 1)
	assert.Equal(t, wire.Error("boom"), rec.Events[0])
}
