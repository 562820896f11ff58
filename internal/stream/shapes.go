package stream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Davincible/chat-gateway/internal/wire"
)

// shape is one provider dialect signature. Shapes are tried in table order so
// the more specific ones win.
type shape struct {
	name   string
	match  func(obj gjson.Result, typ string) bool
	decode func(obj gjson.Result, typ string) []Event
}

var shapes = []shape{
	{name: "error", match: isError, decode: decodeError},
	{name: "completion", match: isCompletion, decode: decodeCompletion},
	{name: "openai_delta", match: isOpenAIDelta, decode: decodeOpenAIDelta},
	{name: "bare_response", match: isBareResponse, decode: decodeBareResponse},
	{name: "google_parts", match: isGoogleParts, decode: decodeGoogleParts},
	{name: "converse_event", match: isConverseEvent, decode: decodeConverseEvent},
	{name: "anthropic_text_delta", match: isAnthropicTextDelta, decode: decodeAnthropicTextDelta},
	{name: "anthropic_input_json", match: isAnthropicInputJSON, decode: decodeAnthropicInputJSON},
	{name: "lifecycle", match: isLifecycle, decode: decodeLifecycle},
	{name: "tool_calls", match: isToolCalls, decode: decodeToolCalls},
	{name: "usage", match: isUsageOnly, decode: decodeUsageOnly},
}

// classify matches a parsed object against the shape table. eventName is the
// active SSE event name, used when the object carries no "type" of its own.
func classify(obj gjson.Result, eventName string) (string, []Event) {
	typ := obj.Get("type").String()
	if typ == "" {
		typ = eventName
	}

	for _, s := range shapes {
		if s.match(obj, typ) {
			return s.name, s.decode(obj, typ)
		}
	}

	return "", nil
}

// 1. explicit error

func isError(obj gjson.Result, _ string) bool {
	e := obj.Get("error")
	return e.Exists() && e.Type != gjson.Null && e.Type != gjson.False
}

func decodeError(obj gjson.Result, _ string) []Event {
	e := obj.Get("error")

	msg := e.String()
	if e.IsObject() {
		msg = e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		if t := e.Get("type").String(); t != "" && !strings.Contains(msg, t) {
			msg = t + ": " + msg
		}
	}

	return []Event{{Kind: KindError, Text: msg}}
}

// 2. object-level completion markers

func isCompletion(obj gjson.Result, _ string) bool {
	if obj.Get("done").Type == gjson.True {
		return true
	}
	if fr := obj.Get("choices.0.finish_reason"); fr.Type == gjson.String && fr.String() != "" {
		return true
	}
	if obj.Get("candidates.0.finishReason").String() != "" {
		return true
	}

	if obj.Get("type").String() == "message" && obj.Get("stop_reason").Type == gjson.String {
		return true
	}

	if obj.Get("stopReason").Type == gjson.String && obj.Get("output.message").IsObject() {
		return true
	}

	return obj.Get("messageStop").IsObject()
}

func decodeCompletion(obj gjson.Result, typ string) []Event {
	var events []Event

	// trailing payload that rides along with the marker
	switch {
	case isOpenAIDelta(obj, typ):
		events = append(events, decodeOpenAIDelta(obj, typ)...)
	case obj.Get("choices.0.delta.tool_calls").IsArray():
		events = append(events, decodeToolCalls(obj, typ)...)
	case isGoogleParts(obj, typ):
		events = append(events, decodeGoogleParts(obj, typ)...)
	case isBareResponse(obj, typ):
		events = append(events, decodeBareResponse(obj, typ)...)
	case obj.Get("choices.0.message").IsObject():
		events = append(events, decodeMessage(obj.Get("choices.0.message"))...)
	case obj.Get("content").IsArray():
		events = append(events, decodeContentBlocks(obj.Get("content"))...)
	case obj.Get("output.message.content").IsArray():
		events = append(events, decodeConverseBlocks(obj.Get("output.message.content"))...)
	default:
		if cites := citations(obj); len(cites) > 0 {
			events = append(events, Event{Kind: KindCitations, Citations: cites})
		}
	}

	if usage := usageOf(obj); usage != nil && !hasKind(events, KindUsage) {
		events = append(events, Event{Kind: KindUsage, Usage: usage})
	}

	return append(events, Event{Kind: KindFinish, FinishReason: finishReason(obj)})
}

func finishReason(obj gjson.Result) string {
	for _, path := range []string{
		"choices.0.finish_reason",
		"candidates.0.finishReason",
		"messageStop.stopReason",
		"stopReason",
		"stop_reason",
		"done_reason",
	} {
		if r := obj.Get(path).String(); r != "" {
			return strings.ToLower(r)
		}
	}

	return "stop"
}

// decodeMessage reads a complete chat completion message.
func decodeMessage(msg gjson.Result) []Event {
	var events []Event

	for _, key := range []string{"reasoning_content", "reasoning"} {
		if r := msg.Get(key).String(); r != "" {
			events = append(events, Event{Kind: KindThinking, Text: r})
			break
		}
	}
	if text := msg.Get("content").String(); text != "" {
		events = append(events, Event{Kind: KindContent, Text: text})
	}
	if fragments := directFragments(msg.Get("tool_calls")); len(fragments) > 0 {
		events = append(events, Event{Kind: KindToolCalls, Fragments: fragments})
	}

	return events
}

// decodeContentBlocks reads the content array of a complete Anthropic message.
func decodeContentBlocks(blocks gjson.Result) []Event {
	var (
		events []Event
		calls  []Fragment
	)

	for _, b := range blocks.Array() {
		switch b.Get("type").String() {
		case "text":
			if text := b.Get("text").String(); text != "" {
				events = append(events, Event{Kind: KindContent, Text: text})
			}
		case "thinking":
			events = append(events, Event{Kind: KindThinking, Text: b.Get("thinking").String()})
			if sig := b.Get("signature").String(); sig != "" {
				events = append(events, Event{Kind: KindSignature, Text: sig})
			}
		case "tool_use":
			calls = append(calls, directFragments(gjson.Parse("["+b.Raw+"]"))...)
		}
	}

	if len(calls) > 0 {
		events = append(events, Event{Kind: KindToolCalls, Fragments: calls})
	}

	return events
}

// decodeConverseBlocks reads output.message.content of a complete Converse
// response. Blocks are keyed by kind rather than tagged with a type.
func decodeConverseBlocks(blocks gjson.Result) []Event {
	var (
		events []Event
		calls  []Fragment
	)

	for _, b := range blocks.Array() {
		switch {
		case b.Get("text").Type == gjson.String:
			if text := b.Get("text").String(); text != "" {
				events = append(events, Event{Kind: KindContent, Text: text})
			}
		case b.Get("reasoningContent").IsObject():
			r := b.Get("reasoningContent.reasoningText")
			events = append(events, Event{Kind: KindThinking, Text: r.Get("text").String()})
			if sig := r.Get("signature").String(); sig != "" {
				events = append(events, Event{Kind: KindSignature, Text: sig})
			}
		case b.Get("toolUse").IsObject():
			tu := b.Get("toolUse")
			calls = append(calls, Fragment{
				ID:        tu.Get("toolUseId").String(),
				Name:      tu.Get("name").String(),
				Arguments: rawArguments(tu.Get("input")),
			})
		}
	}

	if len(calls) > 0 {
		events = append(events, Event{Kind: KindToolCalls, Fragments: calls})
	}

	return events
}

// 3. OpenAI chat completion chunk

func isOpenAIDelta(obj gjson.Result, _ string) bool {
	delta := obj.Get("choices.0.delta")
	if !delta.IsObject() {
		return false
	}

	return delta.Get("content").Type == gjson.String ||
		delta.Get("reasoning_content").Type == gjson.String ||
		delta.Get("reasoning").Type == gjson.String
}

func decodeOpenAIDelta(obj gjson.Result, typ string) []Event {
	delta := obj.Get("choices.0.delta")

	var events []Event
	for _, key := range []string{"reasoning_content", "reasoning"} {
		if r := delta.Get(key).String(); r != "" {
			events = append(events, Event{Kind: KindThinking, Text: r})
			break
		}
	}

	if text := delta.Get("content").String(); text != "" {
		events = append(events, Event{Kind: KindContent, Text: text})
	}

	if delta.Get("tool_calls").IsArray() {
		events = append(events, decodeToolCalls(obj, typ)...)
	}

	if cites := citations(obj); len(cites) > 0 {
		events = append(events, Event{Kind: KindCitations, Citations: cites})
	}

	if usage := usageOf(obj); usage != nil {
		events = append(events, Event{Kind: KindUsage, Usage: usage})
	}

	return events
}

// 4. bare "response" (local generate endpoints) or chat "message.content"

func isBareResponse(obj gjson.Result, typ string) bool {
	if typ != "" {
		return false
	}

	return obj.Get("response").Type == gjson.String ||
		obj.Get("message.content").Type == gjson.String
}

func decodeBareResponse(obj gjson.Result, _ string) []Event {
	var events []Event

	if thinking := obj.Get("message.thinking").String(); thinking != "" {
		events = append(events, Event{Kind: KindThinking, Text: thinking})
	}

	text := obj.Get("response").String()
	if text == "" {
		text = obj.Get("message.content").String()
	}
	if text != "" {
		events = append(events, Event{Kind: KindContent, Text: text})
	}

	if calls := obj.Get("message.tool_calls"); calls.IsArray() {
		if fragments := directFragments(calls); len(fragments) > 0 {
			events = append(events, Event{Kind: KindToolCalls, Fragments: fragments})
		}
	}

	return events
}

// 5. Google Studio candidates

func isGoogleParts(obj gjson.Result, _ string) bool {
	return obj.Get("candidates.0.content.parts").IsArray()
}

func decodeGoogleParts(obj gjson.Result, _ string) []Event {
	var (
		events []Event
		calls  []Fragment
	)

	for _, part := range obj.Get("candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.IsObject() {
			calls = append(calls, Fragment{
				ID:        fc.Get("id").String(),
				Name:      fc.Get("name").String(),
				Arguments: rawArguments(fc.Get("args")),
			})
			continue
		}

		text := part.Get("text").String()
		if text == "" {
			continue
		}
		if part.Get("thought").Bool() {
			events = append(events, Event{Kind: KindThinking, Text: text})
		} else {
			events = append(events, Event{Kind: KindContent, Text: text})
		}
	}

	if len(calls) > 0 {
		events = append(events, Event{Kind: KindToolCalls, Fragments: calls})
	}

	if cites := citations(obj); len(cites) > 0 {
		events = append(events, Event{Kind: KindCitations, Citations: cites})
	}

	if usage := usageOf(obj); usage != nil {
		events = append(events, Event{Kind: KindUsage, Usage: usage})
	}

	return events
}

// Bedrock Converse stream events

func isConverseEvent(obj gjson.Result, _ string) bool {
	return obj.Get("contentBlockDelta").IsObject() ||
		obj.Get("contentBlockStart").IsObject() ||
		obj.Get("contentBlockStop").IsObject() ||
		obj.Get("metadata.usage").IsObject()
}

func decodeConverseEvent(obj gjson.Result, _ string) []Event {
	if start := obj.Get("contentBlockStart"); start.IsObject() {
		index := int(start.Get("contentBlockIndex").Int())
		ev := Event{Kind: KindLifecycle, Name: LifecycleContentBlockStart, Index: index}
		if tu := start.Get("start.toolUse"); tu.IsObject() {
			ev.Fragments = []Fragment{{
				Index:    index,
				HasIndex: true,
				ID:       tu.Get("toolUseId").String(),
				Name:     tu.Get("name").String(),
			}}
		}
		return []Event{ev}
	}

	if delta := obj.Get("contentBlockDelta"); delta.IsObject() {
		index := int(delta.Get("contentBlockIndex").Int())
		d := delta.Get("delta")

		switch {
		case d.Get("toolUse").IsObject():
			return []Event{{
				Kind:  KindToolArgsDelta,
				Index: index,
				Fragments: []Fragment{{
					Index:     index,
					HasIndex:  true,
					Arguments: d.Get("toolUse.input").String(),
				}},
			}}
		case d.Get("reasoningContent.text").Exists():
			return []Event{{Kind: KindThinking, Text: d.Get("reasoningContent.text").String()}}
		case d.Get("reasoningContent.signature").Exists():
			return []Event{{Kind: KindSignature, Text: d.Get("reasoningContent.signature").String()}}
		default:
			return []Event{{Kind: KindContent, Text: d.Get("text").String()}}
		}
	}

	if stop := obj.Get("contentBlockStop"); stop.IsObject() {
		return []Event{{
			Kind:  KindLifecycle,
			Name:  LifecycleContentBlockStop,
			Index: int(stop.Get("contentBlockIndex").Int()),
		}}
	}

	u := obj.Get("metadata.usage")

	return []Event{{Kind: KindUsage, Usage: &wire.Usage{
		InputTokens:  int(u.Get("inputTokens").Int()),
		OutputTokens: int(u.Get("outputTokens").Int()),
	}}}
}

// 6. Anthropic text-like block deltas

func isAnthropicTextDelta(obj gjson.Result, typ string) bool {
	if typ != "content_block_delta" {
		return false
	}

	switch obj.Get("delta.type").String() {
	case "text_delta", "thinking_delta", "signature_delta", "citations_delta":
		return true
	}

	return false
}

func decodeAnthropicTextDelta(obj gjson.Result, _ string) []Event {
	delta := obj.Get("delta")

	switch delta.Get("type").String() {
	case "text_delta":
		return []Event{{Kind: KindContent, Text: delta.Get("text").String()}}
	case "thinking_delta":
		return []Event{{Kind: KindThinking, Text: delta.Get("thinking").String()}}
	case "signature_delta":
		return []Event{{Kind: KindSignature, Text: delta.Get("signature").String()}}
	case "citations_delta":
		c := delta.Get("citation")
		return []Event{{Kind: KindCitations, Citations: []wire.Citation{{
			URL:   c.Get("url").String(),
			Title: firstString(c, "title", "document_title"),
			Text:  c.Get("cited_text").String(),
		}}}}
	}

	return nil
}

// 7. Anthropic input_json_delta

func isAnthropicInputJSON(obj gjson.Result, typ string) bool {
	return typ == "content_block_delta" && obj.Get("delta.type").String() == "input_json_delta"
}

func decodeAnthropicInputJSON(obj gjson.Result, _ string) []Event {
	index := int(obj.Get("index").Int())

	return []Event{{
		Kind:  KindToolArgsDelta,
		Index: index,
		Fragments: []Fragment{{
			Index:     index,
			HasIndex:  true,
			Arguments: obj.Get("delta.partial_json").String(),
		}},
	}}
}

// 8. named lifecycle markers

func isLifecycle(_ gjson.Result, typ string) bool {
	switch typ {
	case LifecycleMessageStart, LifecycleContentBlockStart, LifecycleContentBlockStop,
		LifecycleMessageDelta, LifecycleMessageStop:
		return true
	}

	return false
}

func decodeLifecycle(obj gjson.Result, typ string) []Event {
	ev := Event{Kind: KindLifecycle, Name: typ, Index: int(obj.Get("index").Int())}

	var extra []Event

	switch typ {
	case LifecycleMessageStart:
		ev.MessageID = obj.Get("message.id").String()
		ev.Model = obj.Get("message.model").String()
		if usage := usageOf(obj.Get("message")); usage != nil {
			extra = append(extra, Event{Kind: KindUsage, Usage: usage})
		}
	case LifecycleContentBlockStart:
		block := obj.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			input := block.Get("input")
			seed := ""
			if input.IsObject() && len(input.Map()) > 0 {
				seed = input.Raw
			}
			ev.Fragments = []Fragment{{
				Index:     ev.Index,
				HasIndex:  true,
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: seed,
			}}
		}
	case LifecycleMessageDelta:
		ev.FinishReason = obj.Get("delta.stop_reason").String()
		if usage := usageOf(obj); usage != nil {
			extra = append(extra, Event{Kind: KindUsage, Usage: usage})
		}
	}

	return append([]Event{ev}, extra...)
}

// 9. tool call arrays

func isToolCalls(obj gjson.Result, _ string) bool {
	return obj.Get("tool_calls").IsArray() || obj.Get("choices.0.delta.tool_calls").IsArray()
}

func decodeToolCalls(obj gjson.Result, _ string) []Event {
	if direct := obj.Get("tool_calls"); direct.IsArray() {
		fragments := directFragments(direct)
		if len(fragments) == 0 {
			return nil
		}

		return []Event{{Kind: KindToolCalls, Fragments: fragments}}
	}

	var fragments []Fragment
	for _, tc := range obj.Get("choices.0.delta.tool_calls").Array() {
		idx := tc.Get("index")
		fragments = append(fragments, Fragment{
			Index:     int(idx.Int()),
			HasIndex:  idx.Exists(),
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
	}

	if len(fragments) == 0 {
		return nil
	}

	return []Event{{Kind: KindToolCallDelta, Fragments: fragments}}
}

// 10. trailing usage-only chunks

func isUsageOnly(obj gjson.Result, _ string) bool {
	return obj.Get("usage").IsObject() || obj.Get("usageMetadata").IsObject()
}

func decodeUsageOnly(obj gjson.Result, _ string) []Event {
	if usage := usageOf(obj); usage != nil {
		return []Event{{Kind: KindUsage, Usage: usage}}
	}

	return nil
}

// helpers

func directFragments(arr gjson.Result) []Fragment {
	var fragments []Fragment
	for _, tc := range arr.Array() {
		name := tc.Get("function.name").String()
		args := tc.Get("function.arguments")
		if name == "" {
			name = tc.Get("name").String()
		}
		if !args.Exists() {
			args = tc.Get("arguments")
		}
		if !args.Exists() {
			args = tc.Get("input")
		}
		if name == "" {
			continue
		}

		fragments = append(fragments, Fragment{
			ID:        tc.Get("id").String(),
			Name:      name,
			Arguments: rawArguments(args),
		})
	}

	return fragments
}

// rawArguments returns the JSON text of arguments that may arrive either as an
// object or as a string holding JSON.
func rawArguments(v gjson.Result) string {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return ""
	case v.Type == gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}

func usageOf(obj gjson.Result) *wire.Usage {
	u := obj.Get("usage")
	if u.IsObject() {
		usage := &wire.Usage{
			InputTokens:  int(firstInt(u, "prompt_tokens", "input_tokens", "inputTokens")),
			OutputTokens: int(firstInt(u, "completion_tokens", "output_tokens", "outputTokens")),
		}
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			return nil
		}

		return usage
	}

	if m := obj.Get("usageMetadata"); m.IsObject() {
		return &wire.Usage{
			InputTokens:  int(m.Get("promptTokenCount").Int()),
			OutputTokens: int(m.Get("candidatesTokenCount").Int()),
		}
	}

	if obj.Get("eval_count").Exists() {
		return &wire.Usage{
			InputTokens:  int(obj.Get("prompt_eval_count").Int()),
			OutputTokens: int(obj.Get("eval_count").Int()),
		}
	}

	return nil
}

func citations(obj gjson.Result) []wire.Citation {
	var out []wire.Citation

	for _, c := range obj.Get("citations").Array() {
		if c.Type == gjson.String {
			out = append(out, wire.Citation{URL: c.String()})
			continue
		}
		out = append(out, wire.Citation{
			URL:   c.Get("url").String(),
			Title: c.Get("title").String(),
			Text:  c.Get("text").String(),
		})
	}

	for _, a := range obj.Get("choices.0.delta.annotations").Array() {
		if a.Get("type").String() != "url_citation" {
			continue
		}
		out = append(out, wire.Citation{
			URL:   a.Get("url_citation.url").String(),
			Title: a.Get("url_citation.title").String(),
		})
	}

	for _, chunk := range obj.Get("candidates.0.groundingMetadata.groundingChunks").Array() {
		out = append(out, wire.Citation{
			URL:   chunk.Get("web.uri").String(),
			Title: chunk.Get("web.title").String(),
		})
	}

	return out
}

func firstInt(obj gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() {
			return v.Int()
		}
	}

	return 0
}

func firstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := obj.Get(k).String(); v != "" {
			return v
		}
	}

	return ""
}

func hasKind(events []Event, kind Kind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}

	return false
}
