package postgres

// Schema creates the escrow tables. It is idempotent and runs on Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
    order_id           TEXT PRIMARY KEY,
    seller_id          TEXT NOT NULL DEFAULT '',
    expected_deposit   NUMERIC(20, 4) NOT NULL CHECK (expected_deposit > 0),
    expected_final     NUMERIC(20, 4) NOT NULL CHECK (expected_final >= 0),
    deposit_held       NUMERIC(20, 4) NOT NULL DEFAULT 0,
    final_payment_held NUMERIC(20, 4) NOT NULL DEFAULT 0,
    total_held         NUMERIC(20, 4) NOT NULL DEFAULT 0,
    refunded_amount    NUMERIC(20, 4) NOT NULL DEFAULT 0,
    released_amount    NUMERIC(20, 4) NOT NULL DEFAULT 0,
    adjustment_amount  NUMERIC(20, 4) NOT NULL DEFAULT 0,
    status             TEXT NOT NULL,
    pre_dispute_status TEXT NOT NULL DEFAULT '',
    release_conditions JSONB NOT NULL DEFAULT '{}',
    condition_set_at   JSONB NOT NULL DEFAULT '{}',
    event_date         TIMESTAMPTZ NOT NULL,
    sequence_no        BIGINT NOT NULL DEFAULT 0,
    last_hash          TEXT NOT NULL DEFAULT '',
    integrity_halted   BOOLEAN NOT NULL DEFAULT FALSE,
    halt_reason        TEXT NOT NULL DEFAULT '',
    fully_held_at      TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_status ON wallets (status, created_at);

CREATE TABLE IF NOT EXISTS wallet_transactions (
    order_id         TEXT NOT NULL REFERENCES wallets (order_id) ON DELETE RESTRICT,
    sequence_no      BIGINT NOT NULL CHECK (sequence_no > 0),
    id               UUID NOT NULL UNIQUE,
    transaction_type TEXT NOT NULL,
    amount           NUMERIC(20, 4) NOT NULL,
    balance_after    NUMERIC(20, 4) NOT NULL,
    status           TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    actor            TEXT NOT NULL DEFAULT '',
    reference_seq    BIGINT NOT NULL DEFAULT 0,
    prev_hash        TEXT NOT NULL,
    hash             TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (order_id, sequence_no),
    UNIQUE (order_id, idempotency_key)
);

CREATE OR REPLACE FUNCTION wallet_transactions_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'wallet_transactions are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS wallet_transactions_immutable ON wallet_transactions;
CREATE TRIGGER wallet_transactions_immutable
    BEFORE UPDATE OR DELETE ON wallet_transactions
    FOR EACH ROW EXECUTE FUNCTION wallet_transactions_append_only();

CREATE TABLE IF NOT EXISTS dispute_cases (
    order_id       TEXT PRIMARY KEY REFERENCES wallets (order_id),
    status         TEXT NOT NULL,
    reason_code    TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    opened_by      TEXT NOT NULL,
    opened_at      TIMESTAMPTZ NOT NULL,
    held_amount    NUMERIC(20, 4) NOT NULL,
    hold_seq       BIGINT NOT NULL DEFAULT 0,
    resolution     TEXT NOT NULL DEFAULT '',
    refund_amount  NUMERIC(20, 4),
    penalty_amount NUMERIC(20, 4),
    resolved_by    TEXT NOT NULL DEFAULT '',
    resolved_at    TIMESTAMPTZ,
    release_seq    BIGINT NOT NULL DEFAULT 0,
    note           TEXT NOT NULL DEFAULT '',
    metadata       JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS outbox_events (
    seq          BIGSERIAL PRIMARY KEY,
    id           UUID NOT NULL UNIQUE,
    order_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    published_at TIMESTAMPTZ,
    attempts     INT NOT NULL DEFAULT 0
);

ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS dead_at TIMESTAMPTZ;

DROP INDEX IF EXISTS idx_outbox_pending;
CREATE INDEX IF NOT EXISTS idx_outbox_live ON outbox_events (seq) WHERE published_at IS NULL AND dead_at IS NULL;
`
