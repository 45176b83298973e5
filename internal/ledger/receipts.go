package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DebitForUsage is the pre-call gate. It rounds cost to whole credits
// (minimum one for any non-zero cost), debits the balance, and appends an
// ai_usage entry referencing requestID. A zero cost performs a pure
// spendability check: the balance must be positive and nothing is written.
// The resulting balance is never allowed to go negative here; that path
// fails with *InsufficientCreditsError before any write.
func (s *Store) DebitForUsage(ctx context.Context, accountID, keyID uuid.UUID, cost float64, requestID string, metadata map[string]any) (int64, error) {
	credits := normalizeCharge(cost)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	if credits == 0 {
		if balance <= 0 {
			return 0, &InsufficientCreditsError{Balance: balance, Attempted: 0}
		}
		return balance, nil
	}

	newBalance := balance - credits
	if newBalance < 0 {
		return 0, &InsufficientCreditsError{Balance: balance, Attempted: credits}
	}

	err = applyEntry(ctx, tx, entryInsert{
		accountID:    accountID,
		keyID:        keyID,
		amount:       -credits,
		balanceAfter: newBalance,
		reason:       ReasonAIUsage,
		reference:    requestID,
		metadata:     metadata,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return newBalance, nil
}

// RecordChargeReceipt is the post-call settlement. Idempotent on
// RequestID: a second call with the same id returns nil without writing.
// The receipt and its charge_receipt ledger entry commit in one
// transaction. This path never raises InsufficientCreditsError; a
// negative resulting balance is logged as a critical invariant breach and
// the write completes. With a configured floor the write is refused with
// ErrBelowFloor instead so the charge can be reconciled out of band.
func (s *Store) RecordChargeReceipt(ctx context.Context, p ReceiptParams) error {
	if p.RequestID == "" {
		return errors.New("receipt request id required")
	}
	if p.ChargedCredits < 0 {
		return fmt.Errorf("charged credits must be >= 0, got %d", p.ChargedCredits)
	}
	if p.ChargeReason == "" {
		p.ChargeReason = ReasonAIUsage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM charge_receipts WHERE request_id = $1)`,
		p.RequestID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check receipt: %w", err)
	}
	if exists {
		return nil
	}

	balance, err := lockBalance(ctx, tx, p.BillingAccountID)
	if err != nil {
		return err
	}
	newBalance := balance - p.ChargedCredits
	if s.floor != nil && newBalance < *s.floor {
		return fmt.Errorf("%w: balance %d, charge %d, floor %d",
			ErrBelowFloor, balance, p.ChargedCredits, *s.floor)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO charge_receipts
		 (request_id, billing_account_id, virtual_key_id, charged_credits,
		  provider_call_id, provider_cost_usd, charge_reason, source_system, source_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		p.RequestID, p.BillingAccountID, nullableUUID(p.VirtualKeyID), p.ChargedCredits,
		nullableString(p.ProviderCallID), nullableFloat(p.ProviderCostUSD),
		p.ChargeReason, p.SourceSystem, p.SourceReference)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent recorder won the race; same outcome.
			return nil
		}
		return fmt.Errorf("insert receipt: %w", err)
	}

	err = applyEntry(ctx, tx, entryInsert{
		accountID:    p.BillingAccountID,
		keyID:        p.VirtualKeyID,
		amount:       -p.ChargedCredits,
		balanceAfter: newBalance,
		reason:       ReasonChargeReceipt,
		reference:    p.RequestID,
		metadata: map[string]any{
			"provider_call_id": p.ProviderCallID,
			"source_system":    p.SourceSystem,
			"source_reference": p.SourceReference,
		},
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit receipt: %w", err)
	}

	if newBalance < 0 {
		s.log.Error("balance negative after charge receipt",
			zap.String("billing_account_id", p.BillingAccountID.String()),
			zap.String("request_id", p.RequestID),
			zap.Int64("charged_credits", p.ChargedCredits),
			zap.Int64("balance_after", newBalance))
	}
	return nil
}

// ListReceipts returns receipts in [from, to), newest first, limit capped
// at 1000.
func (s *Store) ListReceipts(ctx context.Context, from, to time.Time, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, billing_account_id, virtual_key_id, charged_credits,
		        provider_call_id, provider_cost_usd, charge_reason, source_system, source_reference, created_at
		 FROM charge_receipts
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at DESC LIMIT $3`,
		from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var keyID uuid.NullUUID
		var callID sql.NullString
		var cost sql.NullFloat64
		if err := rows.Scan(&r.RequestID, &r.BillingAccountID, &keyID, &r.ChargedCredits,
			&callID, &cost, &r.ChargeReason, &r.SourceSystem, &r.SourceReference, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.VirtualKeyID = keyID.UUID
		r.ProviderCallID = callID.String
		if cost.Valid {
			v := cost.Float64
			r.ProviderCostUSD = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
