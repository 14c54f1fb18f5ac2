package sqlite

// schema is applied on Open. Amounts are stored as decimal text and times as
// fixed-width UTC text (see timeLayout).
const schema = `
CREATE TABLE IF NOT EXISTS wallets (
    order_id           TEXT PRIMARY KEY,
    seller_id          TEXT NOT NULL DEFAULT '',
    expected_deposit   TEXT NOT NULL,
    expected_final     TEXT NOT NULL,
    deposit_held       TEXT NOT NULL DEFAULT '0',
    final_payment_held TEXT NOT NULL DEFAULT '0',
    total_held         TEXT NOT NULL DEFAULT '0',
    refunded_amount    TEXT NOT NULL DEFAULT '0',
    released_amount    TEXT NOT NULL DEFAULT '0',
    adjustment_amount  TEXT NOT NULL DEFAULT '0',
    status             TEXT NOT NULL,
    pre_dispute_status TEXT NOT NULL DEFAULT '',
    release_conditions TEXT NOT NULL DEFAULT '{}',
    condition_set_at   TEXT NOT NULL DEFAULT '{}',
    event_date         TEXT NOT NULL,
    sequence_no        INTEGER NOT NULL DEFAULT 0,
    last_hash          TEXT NOT NULL DEFAULT '',
    integrity_halted   INTEGER NOT NULL DEFAULT 0,
    halt_reason        TEXT NOT NULL DEFAULT '',
    fully_held_at      TEXT,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallets_status ON wallets (status, created_at);

CREATE TABLE IF NOT EXISTS transactions (
    order_id         TEXT NOT NULL REFERENCES wallets (order_id),
    sequence_no      INTEGER NOT NULL,
    id               TEXT NOT NULL UNIQUE,
    transaction_type TEXT NOT NULL,
    amount           TEXT NOT NULL,
    balance_after    TEXT NOT NULL,
    status           TEXT NOT NULL,
    idempotency_key  TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    actor            TEXT NOT NULL DEFAULT '',
    reference_seq    INTEGER NOT NULL DEFAULT 0,
    prev_hash        TEXT NOT NULL,
    hash             TEXT NOT NULL,
    created_at       TEXT NOT NULL,
    PRIMARY KEY (order_id, sequence_no),
    UNIQUE (order_id, idempotency_key)
);

CREATE TRIGGER IF NOT EXISTS transactions_no_update
BEFORE UPDATE ON transactions
BEGIN
    SELECT RAISE(ABORT, 'transactions are append-only');
END;

CREATE TRIGGER IF NOT EXISTS transactions_no_delete
BEFORE DELETE ON transactions
BEGIN
    SELECT RAISE(ABORT, 'transactions are append-only');
END;

CREATE TABLE IF NOT EXISTS dispute_cases (
    order_id       TEXT PRIMARY KEY REFERENCES wallets (order_id),
    status         TEXT NOT NULL,
    reason_code    TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    opened_by      TEXT NOT NULL,
    opened_at      TEXT NOT NULL,
    held_amount    TEXT NOT NULL,
    hold_seq       INTEGER NOT NULL DEFAULT 0,
    resolution     TEXT NOT NULL DEFAULT '',
    refund_amount  TEXT,
    penalty_amount TEXT,
    resolved_by    TEXT NOT NULL DEFAULT '',
    resolved_at    TEXT,
    release_seq    INTEGER NOT NULL DEFAULT 0,
    note           TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS outbox_events (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    order_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload      TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    published_at TEXT,
    dead_at      TEXT,
    attempts     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (published_at, dead_at, seq);
`
