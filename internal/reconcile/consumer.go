package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
)

const (
	maxBatchSize = 50
	maxAttempts  = 5
	blpopTimeout = 5 * time.Second
	retryDelay   = 5 * time.Second
)

// ReceiptWriter is the store the consumer settles against. It must be
// built without a balance floor or queued charges can never land.
type ReceiptWriter interface {
	RecordChargeReceipt(ctx context.Context, p ledger.ReceiptParams) error
}

// RunConsumer is the reconciliation loop: BLPOP → batch drain → settle.
// Runs until ctx is done.
func RunConsumer(ctx context.Context, rdb *redis.Client, store ReceiptWriter, log *zap.Logger) {
	log.Info("reconcile consumer started", zap.String("queue", ChargeQueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("reconcile consumer stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout.
		results, err := rdb.BLPop(ctx, blpopTimeout, ChargeQueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				// Timeout: queue empty, loop back.
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("reconcile: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value (already popped by BLPOP).
		firstItem := results[1]

		// Peek remaining items; they are popped one by one as handled.
		remaining, err := rdb.LRange(ctx, ChargeQueueKey, 0, int64(maxBatchSize-2)).Result()
		if err != nil {
			log.Error("reconcile: LRANGE", zap.Error(err))
			remaining = nil
		}

		rawItems := append([]string{firstItem}, remaining...)
		if drainBatch(ctx, rdb, store, rawItems, log) {
			// A write failed transiently; give the store room to recover
			// before the retry comes back around.
			time.Sleep(retryDelay)
		}
	}
}

// drainBatch settles each queued charge. The first item is already
// popped; later items are popped here as they are handled. Failed
// writes re-queue with an attempt count and hit the DLQ at the cap.
// Reports whether any failure looked transient.
func drainBatch(ctx context.Context, rdb *redis.Client, store ReceiptWriter, rawItems []string, log *zap.Logger) bool {
	transient := false
	for i, raw := range rawItems {
		if ctx.Err() != nil {
			// Shutdown mid-batch; unpopped items stay queued.
			return transient
		}
		if i > 0 {
			rdb.LPop(ctx, ChargeQueueKey)
		}

		var c Charge
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			log.Error("reconcile: unmarshal charge", zap.String("raw", raw), zap.Error(err))
			continue
		}

		err := store.RecordChargeReceipt(ctx, c.Params)
		if err == nil {
			log.Info("charge reconciled",
				zap.String("request_id", c.Params.RequestID),
				zap.Int64("charged_credits", c.Params.ChargedCredits),
				zap.Int("attempts", c.Attempts))
			continue
		}

		c.Attempts++
		if c.Attempts >= maxAttempts {
			if qerr := push(ctx, rdb, ChargeDLQKey, c); qerr != nil {
				log.Error("reconcile: DLQ push failed, charge lost",
					zap.String("request_id", c.Params.RequestID),
					zap.Error(qerr))
				continue
			}
			log.Error("charge moved to DLQ",
				zap.String("request_id", c.Params.RequestID),
				zap.Int("attempts", c.Attempts),
				zap.Error(err))
			continue
		}

		transient = true
		if qerr := push(ctx, rdb, ChargeQueueKey, c); qerr != nil {
			log.Error("reconcile: re-push failed, charge lost",
				zap.String("request_id", c.Params.RequestID),
				zap.Error(qerr))
			continue
		}
		log.Warn("reconcile retry queued",
			zap.String("request_id", c.Params.RequestID),
			zap.Int("attempts", c.Attempts),
			zap.Error(err))
	}
	return transient
}
