package reconcile

import "github.com/cognihq/graphcore/internal/ledger"

// Queue keys.
const (
	ChargeQueueKey = "reconcile:charges"
	ChargeDLQKey   = "reconcile:dlq"
)

// Charge is one queued settlement retry.
type Charge struct {
	Params   ledger.ReceiptParams `json:"params"`
	Attempts int                  `json:"attempts"`
}
