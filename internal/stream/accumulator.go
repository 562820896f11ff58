package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
)

// Dialect identifies how a tool call was fragmented upstream.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic-blocks"
	DialectDirect    Dialect = "direct"
)

// ToolCallState is one in-flight tool call.
type ToolCallState struct {
	ID        string
	Name      string
	Arguments string
	Dialect   Dialect
	Complete  bool

	index    int
	hasIndex bool
	seq      int
}

// ToolCall is a completed tool call with parsed arguments.
type ToolCall struct {
	ID        string         `json:"id" msgpack:"id"`
	Name      string         `json:"name" msgpack:"name"`
	Arguments map[string]any `json:"arguments" msgpack:"arguments"`
}

// UpdateKind describes what happened to a tool call during one Observe.
type UpdateKind int

const (
	UpdateStarted UpdateKind = iota + 1
	UpdateDelta
	UpdateStopped
)

// Update is a snapshot of a tool call at the moment it changed. Arguments holds
// the accumulated argument text so far.
type Update struct {
	Kind      UpdateKind
	ID        string
	Name      string
	Arguments string
}

type stateKey struct {
	dialect Dialect
	index   int
	id      string
}

// Accumulator rebuilds complete tool calls from fragmented deltas of any
// dialect. It is owned by one connection.
type Accumulator struct {
	logger *slog.Logger

	open      map[stateKey]*ToolCallState
	completed []ToolCall
	warnings  []string

	lastOpenAI *ToolCallState
	seq        int
}

func NewAccumulator(logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Accumulator{
		logger: logger,
		open:   make(map[stateKey]*ToolCallState),
	}
}

// Observe feeds one normalized event. Events that carry no tool call signal
// are ignored. The returned updates are in the order they happened.
func (a *Accumulator) Observe(ev Event) []Update {
	switch ev.Kind {
	case KindToolCallDelta:
		var updates []Update
		for _, f := range ev.Fragments {
			updates = append(updates, a.observeOpenAI(f)...)
		}
		return updates
	case KindToolArgsDelta:
		var updates []Update
		for _, f := range ev.Fragments {
			updates = append(updates, a.observeBlockDelta(f)...)
		}
		return updates
	case KindToolCalls:
		var updates []Update
		for _, f := range ev.Fragments {
			updates = append(updates, a.observeDirect(f)...)
		}
		return updates
	case KindLifecycle:
		switch ev.Name {
		case LifecycleContentBlockStart:
			var updates []Update
			for _, f := range ev.Fragments {
				updates = append(updates, a.observeBlockStart(f)...)
			}
			return updates
		case LifecycleContentBlockStop:
			return a.observeBlockStop(ev.Index)
		}
	}

	return nil
}

func (a *Accumulator) observeOpenAI(f Fragment) []Update {
	var st *ToolCallState

	switch {
	case f.HasIndex:
		st = a.open[stateKey{dialect: DialectOpenAI, index: f.Index}]
	case f.ID != "":
		st = a.findOpenAIByID(f.ID)
	default:
		st = a.lastOpenAI
	}

	var updates []Update

	if st == nil {
		if !f.HasIndex && f.ID == "" {
			a.warn("tool call fragment without index or id dropped")
			return nil
		}

		st = &ToolCallState{
			ID:       f.ID,
			Name:     f.Name,
			Dialect:  DialectOpenAI,
			index:    f.Index,
			hasIndex: f.HasIndex,
		}
		a.track(a.keyOf(st), st)

		updates = append(updates, Update{Kind: UpdateStarted, ID: a.ensureID(st), Name: st.Name})
	} else {
		if st.ID == "" && f.ID != "" {
			st.ID = f.ID
		}
		if st.Name == "" && f.Name != "" {
			st.Name = f.Name
		}
	}

	a.lastOpenAI = st

	if f.Arguments != "" {
		st.Arguments += f.Arguments
		updates = append(updates, Update{Kind: UpdateDelta, ID: a.ensureID(st), Name: st.Name, Arguments: st.Arguments})
	}

	return updates
}

func (a *Accumulator) findOpenAIByID(id string) *ToolCallState {
	for k, st := range a.open {
		if k.dialect == DialectOpenAI && st.ID == id {
			return st
		}
	}

	return nil
}

func (a *Accumulator) observeBlockStart(f Fragment) []Update {
	key := stateKey{dialect: DialectAnthropic, index: f.Index}
	if _, exists := a.open[key]; exists {
		a.warn(fmt.Sprintf("duplicate tool_use start for block %d ignored", f.Index))
		return nil
	}

	st := &ToolCallState{
		ID:        f.ID,
		Name:      f.Name,
		Arguments: f.Arguments,
		Dialect:   DialectAnthropic,
		index:     f.Index,
		hasIndex:  true,
	}
	a.track(key, st)

	updates := []Update{{Kind: UpdateStarted, ID: a.ensureID(st), Name: st.Name}}
	if st.Arguments != "" {
		updates = append(updates, Update{Kind: UpdateDelta, ID: st.ID, Name: st.Name, Arguments: st.Arguments})
	}

	return updates
}

func (a *Accumulator) observeBlockDelta(f Fragment) []Update {
	st, ok := a.open[stateKey{dialect: DialectAnthropic, index: f.Index}]
	if !ok {
		// input_json_delta for a text block or an already stopped block
		return nil
	}

	st.Arguments += f.Arguments

	return []Update{{Kind: UpdateDelta, ID: st.ID, Name: st.Name, Arguments: st.Arguments}}
}

func (a *Accumulator) observeBlockStop(index int) []Update {
	key := stateKey{dialect: DialectAnthropic, index: index}

	st, ok := a.open[key]
	if !ok {
		return nil
	}

	return []Update{a.complete(key, st)}
}

func (a *Accumulator) observeDirect(f Fragment) []Update {
	st := &ToolCallState{
		ID:        f.ID,
		Name:      f.Name,
		Arguments: f.Arguments,
		Dialect:   DialectDirect,
	}
	id := a.ensureID(st)

	a.completed = append(a.completed, ToolCall{
		ID:        id,
		Name:      st.Name,
		Arguments: a.parseArguments(st),
	})

	updates := []Update{{Kind: UpdateStarted, ID: id, Name: st.Name}}
	if st.Arguments != "" {
		updates = append(updates, Update{Kind: UpdateDelta, ID: id, Name: st.Name, Arguments: st.Arguments})
	}

	return append(updates, Update{Kind: UpdateStopped, ID: id, Name: st.Name, Arguments: st.Arguments})
}

// Close completes every still-open call, ordered by dialect, index and id, and
// returns their stop updates. Later calls are no-ops.
func (a *Accumulator) Close() []Update {
	if len(a.open) == 0 {
		return nil
	}

	keys := make([]stateKey, 0, len(a.open))
	for k := range a.open {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		ki, kj := keys[i], keys[j]
		if ki.dialect != kj.dialect {
			return ki.dialect < kj.dialect
		}
		if ki.index != kj.index {
			return ki.index < kj.index
		}
		return ki.id < kj.id
	})

	updates := make([]Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, a.complete(k, a.open[k]))
	}

	return updates
}

// Snapshot returns the completed tool calls in completion order.
func (a *Accumulator) Snapshot() []ToolCall {
	out := make([]ToolCall, len(a.completed))
	copy(out, a.completed)

	return out
}

// Open returns copies of the calls that have started but not stopped, in
// discovery order.
func (a *Accumulator) Open() []ToolCallState {
	out := make([]ToolCallState, 0, len(a.open))
	for _, st := range a.open {
		out = append(out, *st)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	return out
}

// Warnings returns the tool_parse_error style diagnostics recorded so far.
func (a *Accumulator) Warnings() []string {
	return a.warnings
}

func (a *Accumulator) track(key stateKey, st *ToolCallState) {
	a.seq++
	st.seq = a.seq
	a.open[key] = st
}

func (a *Accumulator) keyOf(st *ToolCallState) stateKey {
	if st.hasIndex {
		return stateKey{dialect: st.Dialect, index: st.index}
	}

	return stateKey{dialect: st.Dialect, index: -1, id: st.ID}
}

func (a *Accumulator) complete(key stateKey, st *ToolCallState) Update {
	delete(a.open, key)
	if a.lastOpenAI == st {
		a.lastOpenAI = nil
	}

	st.Complete = true
	id := a.ensureID(st)

	a.completed = append(a.completed, ToolCall{
		ID:        id,
		Name:      st.Name,
		Arguments: a.parseArguments(st),
	})

	return Update{Kind: UpdateStopped, ID: id, Name: st.Name, Arguments: st.Arguments}
}

func (a *Accumulator) ensureID(st *ToolCallState) string {
	if st.ID == "" {
		st.ID = "call_" + uuid.NewString()
	}

	return st.ID
}

func (a *Accumulator) parseArguments(st *ToolCallState) map[string]any {
	if st.Arguments == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(st.Arguments), &args); err != nil || args == nil {
		a.warn(fmt.Sprintf("tool %s (%s): invalid arguments, using empty object", st.Name, st.ID))
		return map[string]any{}
	}

	return args
}

func (a *Accumulator) warn(msg string) {
	a.warnings = append(a.warnings, msg)
	a.logger.Warn("Tool call accumulation", "warning", msg)
}
