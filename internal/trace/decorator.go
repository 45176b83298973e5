package trace

import (
	"context"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/metrics"
	"github.com/cognihq/graphcore/internal/run"
)

const (
	defaultLostAfter = 15 * time.Second
	flushTimeout     = 10 * time.Second
)

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Decorator wraps an executor so every run opens a trace and closes it
// with exactly one terminal outcome, whichever way the run ends.
type Decorator struct {
	inner graph.Executor
	sink  Sink
	log   *zap.Logger

	lostAfter time.Duration
}

func NewDecorator(inner graph.Executor, sink Sink, log *zap.Logger) *Decorator {
	return &Decorator{inner: inner, sink: sink, log: log, lostAfter: defaultLostAfter}
}

func (d *Decorator) ListAgents(ctx context.Context) ([]graph.AgentInfo, error) {
	return d.inner.ListAgents(ctx)
}

// RunGraph opens the trace, hands the request to the inner executor
// with a usable trace id, and watches both the stream and the final for
// the run's verdict. The final passes through untouched so callers keep
// the inner executor's settlement semantics.
func (d *Decorator) RunGraph(ctx context.Context, req run.Request) (<-chan run.Event, *run.Deferred[run.Final]) {
	traceID := ensureTraceID(req.Caller.TraceID)
	req.Caller.TraceID = traceID

	start := time.Now()
	provider := "unknown"
	if p, _, err := graph.ParseID(req.GraphID); err == nil {
		provider = p
	}

	d.sink.StartTrace(ctx, TraceStart{
		TraceID:   traceID,
		RunID:     req.RunID,
		RequestID: req.IngressRequestID,
		GraphID:   req.GraphID,
		AccountID: req.Caller.BillingAccountID.String(),
		SessionID: req.Caller.SessionID,
		Input:     Payload(ScrubMessages(req.Messages, req.Caller.MaskContent)),
		StartedAt: time.Now(),
	})

	inner, final := d.inner.RunGraph(ctx, req)

	out := make(chan run.Event, 1)
	var (
		contentMu sync.Mutex
		content   string
	)
	setContent := func(s string) { contentMu.Lock(); content = s; contentMu.Unlock() }
	getContent := func() string { contentMu.Lock(); defer contentMu.Unlock(); return content }

	awaitCtx, stopAwait := context.WithCancel(context.Background())
	guard := newTerminalGuard(func(t Terminal) {
		stopAwait()
		metrics.RunsTotal.WithLabelValues(provider, string(t.Outcome)).Inc()
		metrics.RunDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		d.finish(traceID, t)
	})

	// Stream watcher: forwards events, captures the assistant's answer,
	// and treats an error event as the verdict. When the stream closes
	// without one the lost countdown starts.
	go func() {
		defer close(out)
		for ev := range inner {
			switch ev.Type {
			case run.EventAssistantFinal:
				setContent(ev.Content)
			case run.EventError:
				guard.resolve(Terminal{Outcome: OutcomeError, Code: ev.Code, Content: getContent()})
			}
			if !forward(ctx, out, ev) {
				for range inner {
					// Consumer left. Keep draining so the producer unblocks.
				}
				break
			}
		}
		guard.armLost(d.lostAfter, getContent)
	}()

	// Final watcher: turns the run's final into a verdict unless the
	// stream got there first. awaitCtx unblocks it once any verdict
	// lands, so an unsettled final cannot leak this goroutine forever.
	go func() {
		fin, err := final.Await(awaitCtx)
		if err != nil {
			return
		}
		switch {
		case fin.OK && ctx.Err() != nil:
			guard.resolve(Terminal{Outcome: OutcomeAborted, Content: prefer(fin.Content, getContent())})
		case fin.OK:
			guard.resolve(Terminal{Outcome: OutcomeSuccess, Content: prefer(fin.Content, getContent())})
		case fin.Code == run.CodeAborted:
			guard.resolve(Terminal{Outcome: OutcomeAborted, Code: fin.Code, Content: getContent()})
		default:
			guard.resolve(Terminal{Outcome: OutcomeError, Code: fin.Code, Content: getContent()})
		}
	}()

	return out, final
}

func (d *Decorator) finish(traceID string, t Terminal) {
	end := TraceEnd{
		TraceID: traceID,
		Outcome: t.Outcome,
		Code:    t.Code,
		EndedAt: time.Now(),
	}
	if t.Content != "" {
		end.Output = Payload(ScrubString(t.Content))
	}
	d.sink.EndTrace(context.Background(), end)

	go func() {
		fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := d.sink.Flush(fctx); err != nil {
			d.log.Warn("trace flush failed",
				zap.String("trace_id", traceID),
				zap.Error(err))
		}
	}()
}

// forward tries a non-blocking send before racing against ctx so a
// ready consumer always wins over a concurrent cancellation.
func forward(ctx context.Context, out chan<- run.Event, ev run.Event) bool {
	select {
	case out <- ev:
		return true
	default:
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ensureTraceID keeps a caller-supplied 32-hex id and mints one
// otherwise. Upstream tracing systems reject anything else.
func ensureTraceID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if hex32.MatchString(s) {
		return s
	}
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func prefer(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
