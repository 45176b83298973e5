// Package reconcile retries charges the primary store refused under its
// balance floor. Charges queue in Redis and a consumer lands them on a
// floorless store, so the books close even for accounts that ran dry
// mid-call.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cognihq/graphcore/internal/ledger"
)

// Queue hands refused charges to the consumer. Implements the usage
// recorder's fallback hook.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) EnqueueReceipt(ctx context.Context, p ledger.ReceiptParams) error {
	return push(ctx, q.rdb, ChargeQueueKey, Charge{Params: p})
}

func push(ctx context.Context, rdb *redis.Client, key string, c Charge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}
	if err := rdb.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}
