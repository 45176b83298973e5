package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// maxPoolSize caps the shared connection pool.
const maxPoolSize = 10

// Config tunes the store. BalanceFloor nil keeps the source behavior of
// always committing post-call settlements regardless of balance.
type Config struct {
	CreditsPerUSD int64
	BalanceFloor  *int64
}

// Store is the transactional credit ledger on Postgres.
type Store struct {
	db            *sql.DB
	creditsPerUSD int64
	floor         *int64
	log           *zap.Logger
}

func New(db *sql.DB, cfg Config, log *zap.Logger) *Store {
	rate := cfg.CreditsPerUSD
	if rate <= 0 {
		rate = 1000
	}
	return &Store{db: db, creditsPerUSD: rate, floor: cfg.BalanceFloor, log: log}
}

// Open connects to Postgres and sizes the shared pool.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxPoolSize)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// GetOrCreateAccount upserts the account keyed on the owner and ensures
// its default virtual key exists, all in one transaction. A fresh account
// starts at balance 0.
func (s *Store) GetOrCreateAccount(ctx context.Context, ownerUserID uuid.UUID) (Account, VirtualKey, error) {
	var acct Account
	var vk VirtualKey

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return acct, vk, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO billing_accounts (id, owner_user_id, balance_credits)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (owner_user_id) DO NOTHING`,
		uuid.New(), ownerUserID)
	if err != nil {
		return acct, vk, fmt.Errorf("upsert account: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id, owner_user_id, balance_credits FROM billing_accounts WHERE owner_user_id = $1`,
		ownerUserID).Scan(&acct.ID, &acct.OwnerUserID, &acct.BalanceCredits)
	if err != nil {
		return acct, vk, fmt.Errorf("load account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO virtual_keys (id, billing_account_id, label, is_default, active)
		 VALUES ($1, $2, 'default', true, true)
		 ON CONFLICT (billing_account_id) WHERE is_default DO NOTHING`,
		uuid.New(), acct.ID)
	if err != nil {
		return acct, vk, fmt.Errorf("upsert default key: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id, billing_account_id, label, is_default, active
		 FROM virtual_keys WHERE billing_account_id = $1 AND is_default`,
		acct.ID).Scan(&vk.ID, &vk.BillingAccountID, &vk.Label, &vk.IsDefault, &vk.Active)
	if err != nil {
		return acct, vk, fmt.Errorf("load default key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return acct, vk, fmt.Errorf("commit account upsert: %w", err)
	}
	return acct, vk, nil
}

// Balance returns the current materialized balance.
func (s *Store) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_credits FROM billing_accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// DefaultVirtualKey returns the account's single default key.
func (s *Store) DefaultVirtualKey(ctx context.Context, accountID uuid.UUID) (VirtualKey, error) {
	var vk VirtualKey
	err := s.db.QueryRowContext(ctx,
		`SELECT id, billing_account_id, label, is_default, active
		 FROM virtual_keys WHERE billing_account_id = $1 AND is_default`,
		accountID).Scan(&vk.ID, &vk.BillingAccountID, &vk.Label, &vk.IsDefault, &vk.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return vk, ErrVirtualKeyNotFound
	}
	if err != nil {
		return vk, fmt.Errorf("query default key: %w", err)
	}
	return vk, nil
}

// CreditAccount adds credits and returns the new balance.
func (s *Store) CreditAccount(ctx context.Context, accountID uuid.UUID, amount int64, reason, reference string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if reason == "" {
		reason = ReasonCredit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	newBalance := balance + amount
	err = applyEntry(ctx, tx, entryInsert{
		accountID:    accountID,
		amount:       amount,
		balanceAfter: newBalance,
		reason:       reason,
		reference:    reference,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return newBalance, nil
}

// ListEntries returns an account's ledger in reverse chronological order.
func (s *Store) ListEntries(ctx context.Context, accountID uuid.UUID, f EntryFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT id, billing_account_id, virtual_key_id, amount, balance_after, reason, reference, metadata, created_at
	          FROM credit_ledger_entries WHERE billing_account_id = $1`
	args := []any{accountID}
	if f.Reason != "" {
		query += ` AND reason = $2`
		args = append(args, f.Reason)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var keyID uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.BillingAccountID, &keyID, &e.Amount, &e.BalanceAfter,
			&e.Reason, &e.Reference, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.VirtualKeyID = keyID.UUID
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockBalance reads the balance row FOR UPDATE inside tx.
func lockBalance(ctx context.Context, tx *sql.Tx, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance_credits FROM billing_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	return balance, nil
}

type entryInsert struct {
	accountID    uuid.UUID
	keyID        uuid.UUID // Nil inserts NULL
	amount       int64
	balanceAfter int64
	reason       string
	reference    string
	metadata     map[string]any
}

// applyEntry writes the new materialized balance and the ledger row. Must
// run inside the caller's transaction.
func applyEntry(ctx context.Context, tx *sql.Tx, e entryInsert) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE billing_accounts SET balance_credits = $1 WHERE id = $2`,
		e.balanceAfter, e.accountID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	meta := e.metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal entry metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_ledger_entries
		 (id, billing_account_id, virtual_key_id, amount, balance_after, reason, reference, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		uuid.New(), e.accountID, nullableUUID(e.keyID), e.amount, e.balanceAfter,
		e.reason, e.reference, metaJSON)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// isUniqueViolation detects Postgres duplicate-key errors (code 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
