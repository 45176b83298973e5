package ledger

// Schema is the idempotent DDL for the ledger tables. cmd/setup executes
// it; the env-gated tests run it against their target database.
const Schema = `
CREATE TABLE IF NOT EXISTS billing_accounts (
    id              uuid PRIMARY KEY,
    owner_user_id   uuid NOT NULL UNIQUE,
    balance_credits bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS virtual_keys (
    id                 uuid PRIMARY KEY,
    billing_account_id uuid NOT NULL REFERENCES billing_accounts(id),
    label              text NOT NULL DEFAULT '',
    is_default         boolean NOT NULL DEFAULT false,
    active             boolean NOT NULL DEFAULT true
);

CREATE UNIQUE INDEX IF NOT EXISTS virtual_keys_one_default
    ON virtual_keys (billing_account_id) WHERE is_default;

CREATE TABLE IF NOT EXISTS credit_ledger_entries (
    id                 uuid PRIMARY KEY,
    billing_account_id uuid NOT NULL REFERENCES billing_accounts(id),
    virtual_key_id     uuid REFERENCES virtual_keys(id),
    amount             bigint NOT NULL,
    balance_after      bigint NOT NULL,
    reason             text NOT NULL,
    reference          text NOT NULL DEFAULT '',
    metadata           jsonb NOT NULL DEFAULT '{}',
    created_at         timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS credit_ledger_entries_account_time
    ON credit_ledger_entries (billing_account_id, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS credit_ledger_entries_receipt_once
    ON credit_ledger_entries (billing_account_id, reference) WHERE reason = 'charge_receipt';

CREATE TABLE IF NOT EXISTS charge_receipts (
    request_id         text PRIMARY KEY,
    billing_account_id uuid NOT NULL REFERENCES billing_accounts(id),
    virtual_key_id     uuid REFERENCES virtual_keys(id),
    charged_credits    bigint NOT NULL,
    provider_call_id   text,
    provider_cost_usd  numeric,
    charge_reason      text NOT NULL DEFAULT 'ai_usage',
    source_system      text NOT NULL DEFAULT '',
    source_reference   text NOT NULL DEFAULT '',
    created_at         timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS charge_receipts_created_at
    ON charge_receipts (created_at DESC);
`
