package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger entry reasons.
const (
	ReasonAIUsage       = "ai_usage"
	ReasonChargeReceipt = "charge_receipt"
	ReasonCredit        = "credit"
)

var (
	ErrAccountNotFound    = errors.New("billing account not found")
	ErrVirtualKeyNotFound = errors.New("virtual key not found")

	// ErrBelowFloor is returned by RecordChargeReceipt instead of writing
	// when a balance floor is configured and the charge would land below
	// it. The caller hands the charge to out-of-band reconciliation.
	ErrBelowFloor = errors.New("charge would put balance below configured floor")
)

// InsufficientCreditsError is surfaced only by DebitForUsage, the pre-call
// gate. Post-call settlement never raises it.
type InsufficientCreditsError struct {
	Balance   int64
	Attempted int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, attempted debit %d", e.Balance, e.Attempted)
}

// Account is the per-user credit container. The balance is materialized
// arithmetic; the ledger entries remain the source of truth.
type Account struct {
	ID             uuid.UUID
	OwnerUserID    uuid.UUID
	BalanceCredits int64
}

// VirtualKey is a scope handle attached to an account. It carries no
// secret; exactly one default key exists per account.
type VirtualKey struct {
	ID               uuid.UUID
	BillingAccountID uuid.UUID
	Label            string
	IsDefault        bool
	Active           bool
}

// Entry is one append-only balance change. For consecutive entries of an
// account, BalanceAfter chains: next.BalanceAfter == prev.BalanceAfter + next.Amount.
type Entry struct {
	ID               uuid.UUID
	BillingAccountID uuid.UUID
	VirtualKeyID     uuid.UUID // Nil when the entry has no key scope
	Amount           int64
	BalanceAfter     int64
	Reason           string
	Reference        string
	Metadata         json.RawMessage
	CreatedAt        time.Time
}

// Receipt pairs a ledger debit with the provider call id that acts as the
// idempotency key. Immutable after insert.
type Receipt struct {
	RequestID        string
	BillingAccountID uuid.UUID
	VirtualKeyID     uuid.UUID
	ChargedCredits   int64
	ProviderCallID   string
	ProviderCostUSD  *float64
	ChargeReason     string
	SourceSystem     string
	SourceReference  string
	CreatedAt        time.Time
}

// ReceiptParams is the input to RecordChargeReceipt.
type ReceiptParams struct {
	RequestID        string
	BillingAccountID uuid.UUID
	VirtualKeyID     uuid.UUID
	ChargedCredits   int64
	ProviderCallID   string
	ProviderCostUSD  *float64
	ChargeReason     string
	SourceSystem     string
	SourceReference  string
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	Reason string
	Limit  int
}
