package langgraph

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/completion"
	"github.com/cognihq/graphcore/internal/run"
	"github.com/cognihq/graphcore/internal/tool"
)

// scriptedUnit is one completion unit outcome. With hold set the stream
// stays open after the deltas until ctx cancels, then final settles.
type scriptedUnit struct {
	deltas []string
	fact   *run.UsageFact
	final  run.Final
	hold   bool
}

type fakeCompleter struct {
	mu     sync.Mutex
	script []scriptedUnit
	calls  []completion.Params
}

func (f *fakeCompleter) Execute(ctx context.Context, p completion.Params) (<-chan run.Event, *run.Deferred[run.Final]) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, p)
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	su := f.script[idx]
	f.mu.Unlock()

	events := make(chan run.Event)
	final := run.NewDeferred[run.Final]()
	go func() {
		defer close(events)
		for _, d := range su.deltas {
			select {
			case events <- run.Event{Type: run.EventTextDelta, Delta: d}:
			case <-ctx.Done():
				final.Resolve(su.final)
				return
			}
		}
		if su.hold {
			<-ctx.Done()
			final.Resolve(su.final)
			return
		}
		if su.fact != nil {
			select {
			case events <- run.Event{Type: run.EventUsageReport, Usage: su.fact}:
			case <-ctx.Done():
			}
		}
		final.Resolve(su.final)
	}()
	return events, final
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) call(i int) completion.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestProvider(script ...scriptedUnit) (*Provider, *fakeCompleter) {
	fc := &fakeCompleter{script: script}
	tools := tool.NewExecutor(tool.Builtins(), zap.NewNop())
	return New(fc, tools, zap.NewNop()), fc
}

func poetRequest() run.Request {
	return run.Request{
		RunID:            "run-1",
		IngressRequestID: "ingress-1",
		GraphID:          "langgraph:poet",
		Messages:         []run.Message{{Role: "user", Content: "hi"}},
		Caller: run.Caller{
			BillingAccountID: uuid.New(),
			VirtualKeyID:     uuid.New(),
		},
	}
}

func drainRun(t *testing.T, stream <-chan run.Event) []run.Event {
	t.Helper()
	var out []run.Event
	for ev := range stream {
		out = append(out, ev)
	}
	return out
}

func awaitRun(t *testing.T, final *run.Deferred[run.Final]) run.Final {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fin, err := final.Await(ctx)
	if err != nil {
		t.Fatalf("await final: %v", err)
	}
	return fin
}

func countType(events []run.Event, typ run.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// ── catalog and routing ───────────────────────────────────────────────────────

func TestCanHandle(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{})
	cases := map[string]bool{
		"langgraph:poet":       true,
		"langgraph:researcher": true,
		"langgraph:unknown":    true, // prefix owns it; catalog miss is RunGraph's job
		"sandbox:agent":        false,
		"poet":                 false,
		"":                     false,
	}
	for id, want := range cases {
		if got := p.CanHandle(id); got != want {
			t.Errorf("CanHandle(%q): got %v want %v", id, got, want)
		}
	}
}

func TestListAgents(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{})
	infos, err := p.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	want := []string{"langgraph:poet", "langgraph:researcher"}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("agents: got %v want %v", ids, want)
	}
}

func TestRunGraph_UnknownGraphIsNotFound(t *testing.T) {
	p, fc := newTestProvider(scriptedUnit{})
	req := poetRequest()
	req.GraphID = "langgraph:nope"

	stream, final := p.RunGraph(context.Background(), req)
	if got := drainRun(t, stream); len(got) != 0 {
		t.Errorf("stream must stay empty: %+v", got)
	}
	fin := awaitRun(t, final)
	if fin.OK || fin.Code != run.CodeNotFound {
		t.Errorf("final: got %+v", fin)
	}
	if fc.callCount() != 0 {
		t.Error("no completion must run for a catalog miss")
	}
}

func TestRunGraph_MalformedIDIsInvalidRequest(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{})
	req := poetRequest()
	req.GraphID = "poet"

	stream, final := p.RunGraph(context.Background(), req)
	if got := drainRun(t, stream); len(got) != 0 {
		t.Errorf("stream must stay empty: %+v", got)
	}
	fin := awaitRun(t, final)
	if fin.OK || fin.Code != run.CodeInvalidRequest {
		t.Errorf("final: got %+v", fin)
	}
}

// ── poet ──────────────────────────────────────────────────────────────────────

func TestRunGraph_PoetHappyPath(t *testing.T) {
	fact := &run.UsageFact{UsageUnitID: "gen-abc", RunID: "run-1"}
	p, fc := newTestProvider(scriptedUnit{
		deltas: []string{"Hel", "lo"},
		fact:   fact,
		final:  run.Final{OK: true, Content: "Hello", FinishReason: "stop", Usage: &run.TokenUsage{InputTokens: 5, OutputTokens: 7}},
	})

	stream, final := p.RunGraph(context.Background(), poetRequest())
	events := drainRun(t, stream)

	wantTypes := []run.EventType{
		run.EventTextDelta, run.EventTextDelta, run.EventUsageReport,
		run.EventAssistantFinal, run.EventDone,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events: got %d want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event[%d]: got %s want %s", i, events[i].Type, want)
		}
	}
	if events[2].Usage.UsageUnitID != "gen-abc" {
		t.Errorf("usage fact: got %+v", events[2].Usage)
	}
	if events[3].Content != "Hello" {
		t.Errorf("assistant_final content: got %q", events[3].Content)
	}

	fin := awaitRun(t, final)
	if !fin.OK || fin.Content != "Hello" || fin.FinishReason != "stop" {
		t.Errorf("final: got %+v", fin)
	}
	if fin.Usage == nil || fin.Usage.InputTokens != 5 {
		t.Errorf("final usage: got %+v", fin.Usage)
	}

	msgs := fc.call(0).Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "hi" {
		t.Errorf("unit messages: got %+v", msgs)
	}
}

func TestRunGraph_PrecallRefusalKeepsStreamEmpty(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{
		final: run.Final{OK: false, Code: run.CodeInsufficientCredits},
	})

	stream, final := p.RunGraph(context.Background(), poetRequest())
	if got := drainRun(t, stream); len(got) != 0 {
		t.Errorf("stream: got %+v, want empty (no error event, no done)", got)
	}
	fin := awaitRun(t, final)
	if fin.OK || fin.Code != run.CodeInsufficientCredits {
		t.Errorf("final: got %+v", fin)
	}
}

func TestRunGraph_MidStreamFailureEmitsErrorThenDone(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{
		deltas: []string{"par"},
		final:  run.Final{OK: false, Code: run.CodeRateLimit},
	})

	stream, final := p.RunGraph(context.Background(), poetRequest())
	events := drainRun(t, stream)

	if len(events) != 3 {
		t.Fatalf("events: got %+v, want delta+error+done", events)
	}
	if events[1].Type != run.EventError || events[1].Code != run.CodeRateLimit {
		t.Errorf("error event: got %+v", events[1])
	}
	if events[2].Type != run.EventDone {
		t.Errorf("terminal event: got %+v", events[2])
	}
	fin := awaitRun(t, final)
	if fin.OK || fin.Code != run.CodeRateLimit {
		t.Errorf("final: got %+v", fin)
	}
}

func TestRunGraph_AbortMidStreamKeepsPartial(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{
		deltas: []string{"par"},
		final:  run.Final{OK: true, Content: "par"},
		hold:   true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, final := p.RunGraph(ctx, poetRequest())

	first := <-stream
	if first.Delta != "par" {
		t.Fatalf("first event: %+v", first)
	}
	cancel()
	rest := drainRun(t, stream)
	for _, ev := range rest {
		if ev.Type == run.EventError {
			t.Errorf("abort must not emit an error event: %+v", ev)
		}
		if ev.Type == run.EventAssistantFinal {
			t.Errorf("abort must not emit assistant_final: %+v", ev)
		}
	}

	fin := awaitRun(t, final)
	if !fin.OK || fin.Content != "par" {
		t.Errorf("final: got %+v, want ok with partial", fin)
	}
}

// ── researcher ────────────────────────────────────────────────────────────────

func TestRunGraph_ResearcherOrchestration(t *testing.T) {
	draftFact := &run.UsageFact{UsageUnitID: "gen-1"}
	finalFact := &run.UsageFact{UsageUnitID: "gen-2"}
	p, fc := newTestProvider(
		scriptedUnit{
			deltas: []string{"draft notes"},
			fact:   draftFact,
			final:  run.Final{OK: true, Content: "draft notes", Usage: &run.TokenUsage{InputTokens: 10, OutputTokens: 4}},
		},
		scriptedUnit{
			deltas: []string{"answer"},
			fact:   finalFact,
			final:  run.Final{OK: true, Content: "answer", FinishReason: "stop", Usage: &run.TokenUsage{InputTokens: 20, OutputTokens: 6}},
		},
	)

	req := poetRequest()
	req.GraphID = "langgraph:researcher"
	req.ToolIDs = []string{"text_stats"}

	stream, final := p.RunGraph(context.Background(), req)
	events := drainRun(t, stream)

	if n := countType(events, run.EventDone); n != 1 {
		t.Errorf("done events: got %d want exactly 1", n)
	}
	if n := countType(events, run.EventAssistantFinal); n != 1 {
		t.Errorf("assistant_final events: got %d want exactly 1", n)
	}
	if n := countType(events, run.EventUsageReport); n != 2 {
		t.Errorf("usage_report events: got %d want 2", n)
	}
	if events[len(events)-1].Type != run.EventDone {
		t.Errorf("last event: got %s want done", events[len(events)-1].Type)
	}

	// Every usage_report precedes the done.
	doneAt := -1
	for i, ev := range events {
		if ev.Type == run.EventDone {
			doneAt = i
		}
	}
	for i, ev := range events {
		if ev.Type == run.EventUsageReport && i > doneAt {
			t.Error("usage_report after done")
		}
	}

	var start, result *run.Event
	for i := range events {
		switch events[i].Type {
		case run.EventToolCallStart:
			start = &events[i]
		case run.EventToolCallResult:
			result = &events[i]
		}
	}
	if start == nil || result == nil {
		t.Fatalf("missing tool events: %+v", events)
	}
	if start.ToolCallID == "" || start.ToolCallID != result.ToolCallID {
		t.Errorf("tool call ids must link: start %q result %q", start.ToolCallID, result.ToolCallID)
	}
	if result.IsError {
		t.Errorf("tool result: %s", result.ToolOutput)
	}
	var out map[string]any
	if err := json.Unmarshal(result.ToolOutput, &out); err != nil {
		t.Fatalf("tool output: %v", err)
	}
	if out["words"] != float64(2) {
		t.Errorf("words: got %v want 2", out["words"])
	}
	if _, leaked := out["text"]; leaked {
		t.Error("raw draft text leaked through tool redaction")
	}

	fin := awaitRun(t, final)
	if !fin.OK || fin.Content != "answer" {
		t.Errorf("final: got %+v", fin)
	}
	if fin.Usage == nil || fin.Usage.InputTokens != 30 || fin.Usage.OutputTokens != 10 {
		t.Errorf("summed usage: got %+v", fin.Usage)
	}

	if fc.callCount() != 2 {
		t.Fatalf("unit calls: got %d want 2", fc.callCount())
	}
	second := fc.call(1).Messages
	joined := ""
	for _, m := range second {
		joined += m.Role + ":" + m.Content + "\n"
	}
	if !strings.Contains(joined, "draft notes") {
		t.Errorf("second unit must see the draft: %q", joined)
	}
}

func TestRunGraph_ResearcherToolDenied(t *testing.T) {
	p, _ := newTestProvider(scriptedUnit{
		deltas: []string{"draft"},
		final:  run.Final{OK: true, Content: "draft"},
	})

	req := poetRequest()
	req.GraphID = "langgraph:researcher"
	// No ToolIDs: deny-all policy.

	stream, final := p.RunGraph(context.Background(), req)
	events := drainRun(t, stream)

	var result *run.Event
	for i := range events {
		if events[i].Type == run.EventToolCallResult {
			result = &events[i]
		}
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected isError tool result, got %+v", events)
	}
	if !strings.Contains(string(result.ToolOutput), tool.ErrCodeDenied) {
		t.Errorf("tool output should carry the denial: %s", result.ToolOutput)
	}

	fin := awaitRun(t, final)
	if fin.OK || fin.Code != run.CodeInvalidRequest {
		t.Errorf("final: got %+v", fin)
	}
}
