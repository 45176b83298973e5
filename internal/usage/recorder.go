// Package usage turns usage facts observed on run streams into charge
// receipts. Recording rides the stream itself so a client disconnect
// never loses a charge.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
	"github.com/cognihq/graphcore/internal/metrics"
	"github.com/cognihq/graphcore/internal/run"
)

// Receipt writes are detached from the run context but still bounded.
const recordTimeout = 10 * time.Second

// ReceiptWriter is the slice of the ledger store the recorder needs.
type ReceiptWriter interface {
	RecordChargeReceipt(ctx context.Context, p ledger.ReceiptParams) error
	CreditsForUSD(costUSD float64) int64
}

// FallbackQueue takes charges the store refused under its balance
// floor. Nil when reconciliation is not configured.
type FallbackQueue interface {
	EnqueueReceipt(ctx context.Context, p ledger.ReceiptParams) error
}

type Recorder struct {
	store ReceiptWriter
	queue FallbackQueue
	log   *zap.Logger
}

func NewRecorder(store ReceiptWriter, queue FallbackQueue, log *zap.Logger) *Recorder {
	return &Recorder{store: store, queue: queue, log: log}
}

// Record writes one charge receipt for a usage fact. Facts without a
// usage unit id cannot be charged idempotently and are skipped. Nothing
// here fails the run: write errors are logged and counted only.
func (r *Recorder) Record(ctx context.Context, fact run.UsageFact) {
	metrics.UsageReports.WithLabelValues(fact.Source).Inc()

	if fact.UsageUnitID == "" {
		r.log.Warn("usage fact without unit id, skipping charge",
			zap.String("run_id", fact.RunID),
			zap.String("source", fact.Source))
		metrics.Receipts.WithLabelValues(metrics.ReceiptSkipped).Inc()
		return
	}

	var credits int64
	if fact.CostUSD != nil {
		credits = r.store.CreditsForUSD(*fact.CostUSD)
	}
	p := ledger.ReceiptParams{
		RequestID:        fact.UsageUnitID,
		BillingAccountID: fact.BillingAccountID,
		VirtualKeyID:     fact.VirtualKeyID,
		ChargedCredits:   credits,
		ProviderCallID:   fact.UsageUnitID,
		ProviderCostUSD:  fact.CostUSD,
		ChargeReason:     ledger.ReasonAIUsage,
		SourceSystem:     fact.Source,
		SourceReference:  fmt.Sprintf("%s#%d", fact.RunID, fact.Attempt),
	}

	// The run context may already be canceled (client gone); the charge
	// still has to land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	err := r.store.RecordChargeReceipt(wctx, p)
	switch {
	case err == nil:
		metrics.Receipts.WithLabelValues(metrics.ReceiptRecorded).Inc()
	case errors.Is(err, ledger.ErrBelowFloor):
		r.reconcile(wctx, p)
	default:
		r.log.Error("charge receipt write failed",
			zap.String("run_id", fact.RunID),
			zap.String("usage_unit_id", fact.UsageUnitID),
			zap.Int64("charged_credits", credits),
			zap.Error(err))
		metrics.Receipts.WithLabelValues(metrics.ReceiptFailed).Inc()
	}
}

func (r *Recorder) reconcile(ctx context.Context, p ledger.ReceiptParams) {
	if r.queue == nil {
		r.log.Error("charge below floor with no reconcile queue, charge dropped",
			zap.String("usage_unit_id", p.RequestID),
			zap.Int64("charged_credits", p.ChargedCredits))
		metrics.Receipts.WithLabelValues(metrics.ReceiptDropped).Inc()
		return
	}
	if err := r.queue.EnqueueReceipt(ctx, p); err != nil {
		r.log.Error("reconcile enqueue failed, charge dropped",
			zap.String("usage_unit_id", p.RequestID),
			zap.Error(err))
		metrics.Receipts.WithLabelValues(metrics.ReceiptDropped).Inc()
		return
	}
	r.log.Warn("charge below balance floor, queued for reconciliation",
		zap.String("usage_unit_id", p.RequestID),
		zap.Int64("charged_credits", p.ChargedCredits))
	metrics.Receipts.WithLabelValues(metrics.ReceiptQueued).Inc()
	metrics.ReconcileEnqueued.Inc()
}

// ObserveStream forwards events unchanged, recording every usage fact
// as it passes. When the consumer stops reading it keeps draining and
// recording so upstream producers release and charges still land.
func (r *Recorder) ObserveStream(ctx context.Context, in <-chan run.Event) <-chan run.Event {
	out := make(chan run.Event, 1)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == run.EventUsageReport && ev.Usage != nil {
				r.Record(ctx, *ev.Usage)
			}
			if !emit(ctx, out, ev) {
				for rest := range in {
					if rest.Type == run.EventUsageReport && rest.Usage != nil {
						r.Record(ctx, *rest.Usage)
					}
				}
				return
			}
		}
	}()
	return out
}

func emit(ctx context.Context, out chan<- run.Event, ev run.Event) bool {
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
