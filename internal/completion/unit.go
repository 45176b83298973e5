// Package completion runs one accounted LLM round-trip. Every graph
// step reaches the LLM through it and nothing else: it gates spend
// before the call, forwards the transport stream, and emits exactly one
// usage_report per successful call.
package completion

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
	"github.com/cognihq/graphcore/internal/litellm"
	"github.com/cognihq/graphcore/internal/run"
)

// Transport is the streaming surface of the LLM client.
type Transport interface {
	Stream(ctx context.Context, req litellm.ChatRequest) (<-chan litellm.StreamEvent, *run.Deferred[litellm.Completion], error)
}

// Gate is the pre-call spendability check (the ledger store in
// production). Cost 0 probes the balance without writing.
type Gate interface {
	DebitForUsage(ctx context.Context, accountID, keyID uuid.UUID, cost float64, requestID string, metadata map[string]any) (int64, error)
}

// Params describes one completion unit. Messages are the step's own
// transcript; multi-step graphs grow it between units.
type Params struct {
	Run          run.Request
	Messages     []run.Message
	Model        string
	Temperature  *float64
	MaxTokens    int
	ExecutorType string
}

type Unit struct {
	llm  Transport
	gate Gate
	log  *zap.Logger
}

func New(llm Transport, gate Gate, log *zap.Logger) *Unit {
	return &Unit{llm: llm, gate: gate, log: log}
}

// Execute returns the unit's (stream, final) pair. The stream carries
// text_delta and usage_report events only; run-level error and done
// events belong to the runner. Pre-call failures return an empty stream
// with a failed final and never reach the transport.
//
// The final always resolves with a run.Final; failures are encoded as
// OK=false with a classified code.
func (u *Unit) Execute(ctx context.Context, p Params) (<-chan run.Event, *run.Deferred[run.Final]) {
	final := run.NewDeferred[run.Final]()
	fail := func(code run.ErrorCode) (<-chan run.Event, *run.Deferred[run.Final]) {
		final.Resolve(run.Final{OK: false, RunID: p.Run.RunID, RequestID: p.Run.IngressRequestID, Code: code})
		return run.EmptyStream(), final
	}

	caller := p.Run.Caller
	if _, err := u.gate.DebitForUsage(ctx, caller.BillingAccountID, caller.VirtualKeyID, 0, p.Run.IngressRequestID, nil); err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			u.log.Info("completion gated: insufficient credits",
				zap.String("run_id", p.Run.RunID),
				zap.String("billing_account_id", caller.BillingAccountID.String()),
				zap.Int64("balance", insufficient.Balance))
			return fail(run.CodeInsufficientCredits)
		}
		u.log.Error("completion gate check failed",
			zap.String("run_id", p.Run.RunID), zap.Error(err))
		return fail(run.Classify(err))
	}

	model := p.Model
	if model == "" {
		model = p.Run.Model
	}
	upstream, upstreamFinal, err := u.llm.Stream(ctx, litellm.ChatRequest{
		Model:       model,
		Messages:    p.Messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		User:        caller.BillingAccountID.String(),
		Metadata: map[string]any{
			"run_id":     p.Run.RunID,
			"request_id": p.Run.IngressRequestID,
			"trace_id":   caller.TraceID,
			"graph_id":   p.Run.GraphID,
		},
	})
	if err != nil {
		code := run.Classify(err)
		u.log.Warn("completion stream open failed",
			zap.String("run_id", p.Run.RunID), zap.String("code", string(code)), zap.Error(err))
		return fail(code)
	}

	events := make(chan run.Event, 1)
	go u.consume(ctx, p, upstream, upstreamFinal, events, final)
	return events, final
}

// consume forwards transport deltas, swallows the transport-level done
// (the runner owns the run's done), and settles the unit final. The
// transport final is awaited only after its stream has ended; it is
// resolved by the transport's completion hook, so awaiting it inside the
// receive loop would deadlock.
func (u *Unit) consume(ctx context.Context, p Params, upstream <-chan litellm.StreamEvent,
	upstreamFinal *run.Deferred[litellm.Completion], events chan<- run.Event, final *run.Deferred[run.Final]) {
	defer close(events)

	// emit prefers delivery. An abort racing the send must not drop an
	// event a still-draining consumer would take; with the one-slot
	// buffer the first attempt succeeds without a parked receiver.
	emit := func(ev run.Event) bool {
		select {
		case events <- ev:
			return true
		default:
		}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

receive:
	for ev := range upstream {
		switch ev.Type {
		case litellm.StreamDelta:
			if !emit(run.Event{Type: run.EventTextDelta, Delta: ev.Delta}) {
				break receive
			}
		case litellm.StreamError, litellm.StreamDone:
			// Error rejects the transport final; done resolves it.
			// Either way the verdict is read below, not here.
			break receive
		}
	}

	// Every transport path settles before its stream closes, so this
	// cannot block indefinitely.
	res, err := upstreamFinal.Await(context.Background())
	if err != nil {
		code := run.Classify(err)
		u.log.Warn("completion failed",
			zap.String("run_id", p.Run.RunID), zap.String("code", string(code)), zap.Error(err))
		final.Resolve(run.Final{OK: false, RunID: p.Run.RunID, RequestID: p.Run.IngressRequestID, Code: code})
		return
	}

	aborted := ctx.Err() != nil
	if res.CallID == "" && !aborted {
		// A successful call with no provider call id cannot be billed.
		// Failing the run is the only safe outcome.
		u.log.Error("completion succeeded without provider call id",
			zap.String("run_id", p.Run.RunID), zap.String("model", res.Model))
		final.Resolve(run.Final{OK: false, RunID: p.Run.RunID, RequestID: p.Run.IngressRequestID,
			Code: run.Classify(run.ErrMissingCallID)})
		return
	}
	if aborted && res.Content == "" && res.Usage == nil {
		// Cancelled before the first delta: nothing partial to keep.
		final.Resolve(run.Final{OK: false, RunID: p.Run.RunID, RequestID: p.Run.IngressRequestID,
			Code: run.CodeAborted})
		return
	}

	// On abort the usage chunk usually never arrived; report only what
	// the provider actually confirmed.
	if res.CallID != "" && (!aborted || res.Usage != nil) {
		fact := &run.UsageFact{
			RunID:            p.Run.RunID,
			Attempt:          0,
			Source:           run.SourceLiteLLM,
			ExecutorType:     executorType(p),
			BillingAccountID: p.Run.Caller.BillingAccountID,
			VirtualKeyID:     p.Run.Caller.VirtualKeyID,
			GraphID:          p.Run.GraphID,
			UsageUnitID:      res.CallID,
			Model:            res.Model,
			CostUSD:          res.CostUSD,
		}
		if fact.Model == "" {
			fact.Model = p.Model
		}
		if res.Usage != nil {
			fact.InputTokens = res.Usage.InputTokens
			fact.OutputTokens = res.Usage.OutputTokens
		}
		// Usage facts are never dropped on abort. Run streams are drained
		// to close by every consumer, so a blocking send always lands.
		events <- run.Event{Type: run.EventUsageReport, Usage: fact}
	}

	final.Resolve(run.Final{
		OK:           true,
		RunID:        p.Run.RunID,
		RequestID:    p.Run.IngressRequestID,
		Usage:        res.Usage,
		FinishReason: res.FinishReason,
		Content:      res.Content,
	})
}

func executorType(p Params) string {
	if p.ExecutorType != "" {
		return p.ExecutorType
	}
	return run.ExecutorInproc
}
