// Package postgres is the production Store. Write transactions run at
// SERIALIZABLE isolation, lock the wallet row with FOR UPDATE and are retried
// on serialization failures.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

const (
	defaultMaxRetries = 3
	defaultTxTimeout  = 5 * time.Second
)

// Options tune transaction handling. Zero values use the defaults.
type Options struct {
	MaxRetries int
	TxTimeout  time.Duration
}

// Store implements store.Store on a pgx pool.
type Store struct {
	Pool       *pgxpool.Pool
	maxRetries int
	txTimeout  time.Duration
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool for databaseURL and pings it.
func Connect(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, opts), nil
}

func New(pool *pgxpool.Pool, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = defaultTxTimeout
	}
	return &Store{Pool: pool, maxRetries: opts.MaxRetries, txTimeout: opts.TxTimeout}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// IsSerializationFailure reports whether err is a retryable 40001.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// WithinTx runs fn in a SERIALIZABLE transaction. fn may run more than once
// when Postgres aborts the transaction with a serialization failure.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = s.withinTxOnce(ctx, fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
		if attempt == s.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", s.maxRetries, err)
}

func (s *Store) withinTxOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	pgTx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(queryCtx)

	if err := fn(queryCtx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	w, err := getWallet(ctx, s.Pool, orderID, false)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, &apperr.NotFoundError{Entity: "wallet", ID: orderID}
	}
	return w, nil
}

func (s *Store) ListWallets(ctx context.Context, filter store.WalletFilter) ([]*wallet.Wallet, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if filter.After != nil {
		args = append(args, filter.After.CreatedAt, filter.After.OrderID)
		where = append(where, fmt.Sprintf("(created_at, order_id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	query := "SELECT " + walletColumns + " FROM wallets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, order_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var out []*wallet.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	return listTransactions(ctx, s.Pool, orderID)
}

func (s *Store) GetDispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	c, err := getDispute(ctx, s.Pool, orderID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &apperr.NotFoundError{Entity: "dispute", ID: orderID}
	}
	return c, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*events.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id::text, order_id, event_type, payload::text, created_at, attempts
		FROM outbox_events
		WHERE published_at IS NULL AND dead_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []*events.Envelope
	for rows.Next() {
		var (
			env     events.Envelope
			payload string
		)
		if err := rows.Scan(&env.ID, &env.OrderID, &env.Type, &payload, &env.CreatedAt, &env.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		env.Payload = []byte(payload)
		env.CreatedAt = env.CreatedAt.UTC()
		out = append(out, &env)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "event", id,
		`UPDATE outbox_events SET published_at = $1, attempts = attempts + 1 WHERE id = $2`, at.UTC(), id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string) error {
	return s.execOne(ctx, "event", id, `UPDATE outbox_events SET attempts = attempts + 1 WHERE id = $1`, id)
}

func (s *Store) MarkEventDead(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "event", id,
		`UPDATE outbox_events SET dead_at = $1, attempts = attempts + 1 WHERE id = $2`, at.UTC(), id)
}

func (s *Store) execOne(ctx context.Context, entity, id, query string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		// A malformed uuid can never match a row.
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return &apperr.NotFoundError{Entity: entity, ID: id}
		}
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return &apperr.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// tx implements store.Tx on a pgx.Tx.
type tx struct {
	q querier
}

func (t *tx) LockWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	return getWallet(ctx, t.q, orderID, true)
}

func (t *tx) InsertWallet(ctx context.Context, w *wallet.Wallet) error {
	args, err := walletArgs(w)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `INSERT INTO wallets (`+walletColumnNames+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		args...)
	if err != nil {
		if isUniqueViolation(err) {
			return &apperr.AlreadyExistsError{OrderID: w.OrderID}
		}
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

func (t *tx) UpdateWallet(ctx context.Context, w *wallet.Wallet) error {
	args, err := walletArgs(w)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `UPDATE wallets SET
		seller_id = $2, expected_deposit = $3, expected_final = $4, deposit_held = $5, final_payment_held = $6,
		total_held = $7, refunded_amount = $8, released_amount = $9, adjustment_amount = $10, status = $11,
		pre_dispute_status = $12, release_conditions = $13, condition_set_at = $14, event_date = $15,
		sequence_no = $16, last_hash = $17, integrity_halted = $18, halt_reason = $19, fully_held_at = $20,
		created_at = $21, updated_at = $22
		WHERE order_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &apperr.NotFoundError{Entity: "wallet", ID: w.OrderID}
	}
	return nil
}

func (t *tx) Transactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	return listTransactions(ctx, t.q, orderID)
}

func (t *tx) FindByIdempotencyKey(ctx context.Context, orderID, key string) (*ledger.Transaction, error) {
	lt, err := scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE order_id = $1 AND idempotency_key = $2`, orderID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return lt, err
}

func (t *tx) LastTransaction(ctx context.Context, orderID string) (*ledger.Transaction, error) {
	lt, err := scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE order_id = $1 ORDER BY sequence_no DESC LIMIT 1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return lt, err
}

func (t *tx) InsertTransaction(ctx context.Context, lt *ledger.Transaction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO wallet_transactions (order_id, sequence_no, id, transaction_type, amount, balance_after, status,
			idempotency_key, reason, actor, reference_seq, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		lt.OrderID, lt.SequenceNo, lt.ID, string(lt.Type), lt.Amount.String(), lt.BalanceAfter.String(),
		string(lt.Status), lt.IdempotencyKey, lt.Reason, lt.Actor, lt.ReferenceSeq, lt.PrevHash, lt.Hash,
		lt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *tx) GetDispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	return getDispute(ctx, t.q, orderID)
}

func (t *tx) SaveDispute(ctx context.Context, c *disputes.Case) error {
	meta, err := store.EncodeJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO dispute_cases (order_id, status, reason_code, reason, opened_by, opened_at, held_amount, hold_seq,
			resolution, refund_amount, penalty_amount, resolved_by, resolved_at, release_seq, note, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status, resolution = EXCLUDED.resolution, refund_amount = EXCLUDED.refund_amount,
			penalty_amount = EXCLUDED.penalty_amount, resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at, release_seq = EXCLUDED.release_seq, note = EXCLUDED.note`,
		c.OrderID, string(c.Status), c.ReasonCode, c.Reason, c.OpenedBy, c.OpenedAt, c.HeldAmount.String(),
		c.HoldSeq, string(c.Resolution), store.DecimalString(c.RefundAmount), store.DecimalString(c.PenaltyAmount),
		c.ResolvedBy, c.ResolvedAt, c.ReleaseSeq, c.Note, meta)
	if err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}
	return nil
}

func (t *tx) EnqueueEvent(ctx context.Context, env *events.Envelope) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO outbox_events (id, order_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`, env.ID, env.OrderID, env.Type, string(env.Payload), env.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

const walletColumnNames = `order_id, seller_id, expected_deposit, expected_final, deposit_held, final_payment_held,
	total_held, refunded_amount, released_amount, adjustment_amount, status, pre_dispute_status,
	release_conditions, condition_set_at, event_date, sequence_no, last_hash, integrity_halted, halt_reason,
	fully_held_at, created_at, updated_at`

// walletColumns reads numeric and jsonb columns as text.
const walletColumns = `order_id, seller_id, expected_deposit::text, expected_final::text, deposit_held::text,
	final_payment_held::text, total_held::text, refunded_amount::text, released_amount::text,
	adjustment_amount::text, status, pre_dispute_status, release_conditions::text, condition_set_at::text,
	event_date, sequence_no, last_hash, integrity_halted, halt_reason, fully_held_at, created_at, updated_at`

func walletArgs(w *wallet.Wallet) ([]any, error) {
	conds, err := store.EncodeJSON(w.ReleaseConditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode release conditions: %w", err)
	}
	condTimes, err := store.EncodeJSON(w.ConditionSetAt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode condition times: %w", err)
	}
	return []any{
		w.OrderID, w.SellerID, w.ExpectedDeposit.String(), w.ExpectedFinal.String(),
		w.DepositHeld.String(), w.FinalPaymentHeld.String(), w.TotalHeld.String(),
		w.RefundedAmount.String(), w.ReleasedAmount.String(), w.AdjustmentAmount.String(),
		string(w.Status), string(w.PreDisputeStatus), conds, condTimes, w.EventDate,
		w.SequenceNo, w.LastHash, w.IntegrityHalted, w.HaltReason, w.FullyHeldAt,
		w.CreatedAt, w.UpdatedAt,
	}, nil
}

func getWallet(ctx context.Context, q querier, orderID string, forUpdate bool) (*wallet.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWallet(q.QueryRow(ctx, query, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWallet(row pgx.Row) (*wallet.Wallet, error) {
	var w wallet.Wallet
	var expDep, expFin, dep, fin, total, refd, reld, adj string
	var status, preDispute, conds, condTimes string
	err := row.Scan(&w.OrderID, &w.SellerID, &expDep, &expFin, &dep, &fin, &total, &refd, &reld, &adj,
		&status, &preDispute, &conds, &condTimes, &w.EventDate, &w.SequenceNo, &w.LastHash,
		&w.IntegrityHalted, &w.HaltReason, &w.FullyHeldAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	if err := store.Decimals(&w.ExpectedDeposit, expDep, &w.ExpectedFinal, expFin, &w.DepositHeld, dep,
		&w.FinalPaymentHeld, fin, &w.TotalHeld, total, &w.RefundedAmount, refd, &w.ReleasedAmount, reld,
		&w.AdjustmentAmount, adj); err != nil {
		return nil, err
	}
	w.Status = wallet.Status(status)
	w.PreDisputeStatus = wallet.Status(preDispute)
	if w.ReleaseConditions, err = store.DecodeConditions(conds); err != nil {
		return nil, err
	}
	if w.ConditionSetAt, err = store.DecodeConditionTimes(condTimes); err != nil {
		return nil, err
	}
	w.EventDate = w.EventDate.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	if w.FullyHeldAt != nil {
		t := w.FullyHeldAt.UTC()
		w.FullyHeldAt = &t
	}
	return &w, nil
}

const txColumns = `order_id, sequence_no, id::text, transaction_type, amount::text, balance_after::text, status,
	idempotency_key, reason, actor, reference_seq, prev_hash, hash, created_at`

func listTransactions(ctx context.Context, q querier, orderID string) ([]*ledger.Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE order_id = $1 ORDER BY sequence_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		lt, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var lt ledger.Transaction
	var typ, amount, balance, status string
	err := row.Scan(&lt.OrderID, &lt.SequenceNo, &lt.ID, &typ, &amount, &balance, &status,
		&lt.IdempotencyKey, &lt.Reason, &lt.Actor, &lt.ReferenceSeq, &lt.PrevHash, &lt.Hash, &lt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	lt.Type = ledger.Type(typ)
	lt.Status = ledger.Status(status)
	lt.CreatedAt = lt.CreatedAt.UTC()
	if err := store.Decimals(&lt.Amount, amount, &lt.BalanceAfter, balance); err != nil {
		return nil, err
	}
	return &lt, nil
}

func getDispute(ctx context.Context, q querier, orderID string) (*disputes.Case, error) {
	var c disputes.Case
	var status, resolution, held, metadata string
	var refund, penalty *string
	err := q.QueryRow(ctx, `
		SELECT order_id, status, reason_code, reason, opened_by, opened_at, held_amount::text, hold_seq,
			resolution, refund_amount::text, penalty_amount::text, resolved_by, resolved_at, release_seq, note,
			metadata::text
		FROM dispute_cases WHERE order_id = $1`, orderID).Scan(
		&c.OrderID, &status, &c.ReasonCode, &c.Reason, &c.OpenedBy, &c.OpenedAt, &held, &c.HoldSeq,
		&resolution, &refund, &penalty, &c.ResolvedBy, &c.ResolvedAt, &c.ReleaseSeq, &c.Note, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	c.Status = disputes.CaseStatus(status)
	c.Resolution = disputes.Resolution(resolution)
	c.OpenedAt = c.OpenedAt.UTC()
	if c.ResolvedAt != nil {
		t := c.ResolvedAt.UTC()
		c.ResolvedAt = &t
	}
	if err := store.Decimals(&c.HeldAmount, held); err != nil {
		return nil, err
	}
	if c.RefundAmount, err = store.OptionalDecimal(refund); err != nil {
		return nil, err
	}
	if c.PenaltyAmount, err = store.OptionalDecimal(penalty); err != nil {
		return nil, err
	}
	if c.Metadata, err = store.DecodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &c, nil
}
