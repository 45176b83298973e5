package trace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/run"
)

type recordingSink struct {
	mu      sync.Mutex
	started []TraceStart
	ended   []TraceEnd
	flushed chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{flushed: make(chan struct{}, 4)}
}

func (s *recordingSink) StartTrace(_ context.Context, st TraceStart) {
	s.mu.Lock()
	s.started = append(s.started, st)
	s.mu.Unlock()
}

func (s *recordingSink) EndTrace(_ context.Context, e TraceEnd) {
	s.mu.Lock()
	s.ended = append(s.ended, e)
	s.mu.Unlock()
}

func (s *recordingSink) Flush(context.Context) error {
	s.flushed <- struct{}{}
	return nil
}

func (s *recordingSink) starts() []TraceStart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceStart(nil), s.started...)
}

func (s *recordingSink) ends() []TraceEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceEnd(nil), s.ended...)
}

// scriptedExec runs the given script in a goroutine and closes the
// stream when it returns.
type scriptedExec struct {
	mu     sync.Mutex
	reqs   []run.Request
	script func(ctx context.Context, req run.Request, events chan<- run.Event, final *run.Deferred[run.Final])
}

func (f *scriptedExec) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	events := make(chan run.Event, 8)
	final := run.NewDeferred[run.Final]()
	go func() {
		defer close(events)
		f.script(ctx, req, events, final)
	}()
	return events, final
}

func (f *scriptedExec) ListAgents(context.Context) ([]graph.AgentInfo, error) {
	return []graph.AgentInfo{{ID: "langgraph:poet", Name: "poet"}}, nil
}

func (f *scriptedExec) requests() []run.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]run.Request(nil), f.reqs...)
}

func traceRequest() run.Request {
	return run.Request{
		RunID:            "run-1",
		IngressRequestID: "req-1",
		GraphID:          "langgraph:poet",
		Messages:         []run.Message{{Role: "user", Content: "hello"}},
		Caller: run.Caller{
			BillingAccountID: uuid.New(),
			SessionID:        "sess-1",
		},
	}
}

func drainStream(t *testing.T, ch <-chan run.Event) []run.Event {
	t.Helper()
	var out []run.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
}

func waitFlush(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trace flush")
	}
}

// ── Terminal outcomes ──

func TestRunGraph_SuccessTerminal(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(_ context.Context, req run.Request, events chan<- run.Event, final *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventTextDelta, Delta: "answer"}
		events <- run.Event{Type: run.EventAssistantFinal, Content: "answer"}
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: true, RunID: req.RunID, Content: "answer"})
	}}
	d := NewDecorator(exec, sink, zap.NewNop())

	stream, final := d.RunGraph(context.Background(), traceRequest())
	events := drainStream(t, stream)
	if len(events) != 3 {
		t.Fatalf("forwarded %d events, want 3", len(events))
	}
	res, err := final.Await(context.Background())
	if err != nil || !res.OK {
		t.Fatalf("final = %+v, %v; want passthrough OK", res, err)
	}

	waitFlush(t, sink)
	ends := sink.ends()
	if len(ends) != 1 {
		t.Fatalf("EndTrace called %d times, want 1", len(ends))
	}
	if ends[0].Outcome != OutcomeSuccess {
		t.Errorf("outcome = %q, want success", ends[0].Outcome)
	}
	if !strings.Contains(ends[0].Output, "answer") {
		t.Errorf("output = %q, want the assistant answer", ends[0].Output)
	}

	starts := sink.starts()
	if len(starts) != 1 {
		t.Fatalf("StartTrace called %d times, want 1", len(starts))
	}
	if !hex32.MatchString(starts[0].TraceID) {
		t.Errorf("trace id = %q, want 32-hex", starts[0].TraceID)
	}
	if starts[0].GraphID != "langgraph:poet" || starts[0].RunID != "run-1" {
		t.Errorf("start = %+v, want run identity", starts[0])
	}
	if !strings.Contains(starts[0].Input, "hello") {
		t.Errorf("input = %q, want the user message", starts[0].Input)
	}
}

func TestRunGraph_ErrorEventTerminal(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(_ context.Context, _ run.Request, events chan<- run.Event, final *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventError, Code: run.CodeRateLimit, Message: "slow down"}
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: false, Code: run.CodeRateLimit})
	}}
	d := NewDecorator(exec, sink, zap.NewNop())

	stream, _ := d.RunGraph(context.Background(), traceRequest())
	drainStream(t, stream)

	waitFlush(t, sink)
	// Both the error event and the failed final race to record the
	// verdict; the guard must let exactly one through.
	time.Sleep(50 * time.Millisecond)
	ends := sink.ends()
	if len(ends) != 1 {
		t.Fatalf("EndTrace called %d times, want 1", len(ends))
	}
	if ends[0].Outcome != OutcomeError || ends[0].Code != run.CodeRateLimit {
		t.Errorf("terminal = %q/%q, want error/rate_limit", ends[0].Outcome, ends[0].Code)
	}
}

func TestRunGraph_AbortedTerminal(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(ctx context.Context, _ run.Request, events chan<- run.Event, final *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventTextDelta, Delta: "par"}
		<-ctx.Done()
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: true, Content: "par"})
	}}
	d := NewDecorator(exec, sink, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stream, final := d.RunGraph(ctx, traceRequest())
	if ev := <-stream; ev.Type != run.EventTextDelta {
		t.Fatalf("first event = %q, want text_delta", ev.Type)
	}
	cancel()
	drainStream(t, stream)

	res, err := final.Await(context.Background())
	if err != nil || !res.OK || res.Content != "par" {
		t.Fatalf("final = %+v, %v; want partial OK", res, err)
	}

	waitFlush(t, sink)
	ends := sink.ends()
	if len(ends) != 1 {
		t.Fatalf("EndTrace called %d times, want 1", len(ends))
	}
	if ends[0].Outcome != OutcomeAborted {
		t.Errorf("outcome = %q, want aborted", ends[0].Outcome)
	}
	if !strings.Contains(ends[0].Output, "par") {
		t.Errorf("output = %q, want the partial content", ends[0].Output)
	}
}

func TestRunGraph_FinalizationLost(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(_ context.Context, _ run.Request, events chan<- run.Event, _ *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventAssistantFinal, Content: "half"}
		events <- run.Event{Type: run.EventDone}
		// Final never settles.
	}}
	d := NewDecorator(exec, sink, zap.NewNop())
	d.lostAfter = 30 * time.Millisecond

	stream, _ := d.RunGraph(context.Background(), traceRequest())
	drainStream(t, stream)

	waitFlush(t, sink)
	ends := sink.ends()
	if len(ends) != 1 {
		t.Fatalf("EndTrace called %d times, want 1", len(ends))
	}
	if ends[0].Outcome != OutcomeFinalizationLost {
		t.Errorf("outcome = %q, want finalization_lost", ends[0].Outcome)
	}
	if ends[0].Code != "" {
		t.Errorf("code = %q, want empty", ends[0].Code)
	}
	if !strings.Contains(ends[0].Output, "half") {
		t.Errorf("output = %q, want the content seen so far", ends[0].Output)
	}
}

// ── Trace ids ──

func TestRunGraph_KeepsCallerTraceID(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(_ context.Context, _ run.Request, events chan<- run.Event, final *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: true})
	}}
	d := NewDecorator(exec, sink, zap.NewNop())

	want := strings.Repeat("ab", 16)
	req := traceRequest()
	req.Caller.TraceID = want

	stream, _ := d.RunGraph(context.Background(), req)
	drainStream(t, stream)

	if got := sink.starts()[0].TraceID; got != want {
		t.Errorf("trace id = %q, want caller's %q", got, want)
	}
	if got := exec.requests()[0].Caller.TraceID; got != want {
		t.Errorf("inner request trace id = %q, want caller's %q", got, want)
	}
}

func TestRunGraph_ReplacesInvalidTraceID(t *testing.T) {
	sink := newRecordingSink()
	exec := &scriptedExec{script: func(_ context.Context, _ run.Request, events chan<- run.Event, final *run.Deferred[run.Final]) {
		events <- run.Event{Type: run.EventDone}
		final.Resolve(run.Final{OK: true})
	}}
	d := NewDecorator(exec, sink, zap.NewNop())

	req := traceRequest()
	req.Caller.TraceID = "not-a-trace-id"

	stream, _ := d.RunGraph(context.Background(), req)
	drainStream(t, stream)

	got := sink.starts()[0].TraceID
	if !hex32.MatchString(got) {
		t.Errorf("trace id = %q, want minted 32-hex", got)
	}
	if inner := exec.requests()[0].Caller.TraceID; inner != got {
		t.Errorf("inner request trace id = %q, want %q", inner, got)
	}
}

func TestEnsureTraceID_NormalizesCase(t *testing.T) {
	in := " " + strings.ToUpper(strings.Repeat("ab", 16)) + " "
	if got := ensureTraceID(in); got != strings.Repeat("ab", 16) {
		t.Errorf("ensureTraceID(%q) = %q", in, got)
	}
}

// ── Passthrough ──

func TestListAgents_Passthrough(t *testing.T) {
	d := NewDecorator(&scriptedExec{}, NopSink{}, zap.NewNop())
	agents, err := d.ListAgents(context.Background())
	if err != nil || len(agents) != 1 || agents[0].ID != "langgraph:poet" {
		t.Fatalf("ListAgents = %+v, %v", agents, err)
	}
}
