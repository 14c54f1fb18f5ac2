// Package sqlite is the embedded Store built on database/sql and go-sqlite3.
// All access goes through one connection, so transactions are serialized.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store on SQLite. All writes go through db, which
// holds a single connection. Lookups and scans outside a transaction use
// reader, a read-only pool over the same file.
type Store struct {
	db     *sql.DB
	reader *sql.DB
}

// ReaderConns caps the read-only pool of a file database.
const ReaderConns = 4

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema. File DSNs should carry
// _txlock=immediate so write transactions take the database lock up front.
// File databases run in WAL mode and get a read-only pool, so readers do not
// queue behind the writer. In-memory databases share the single connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	inMemory := isMemoryDSN(dsn)
	writeDSN := dsn
	if !inMemory {
		writeDSN = withParam(dsn, "_journal_mode=WAL")
	}
	db, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if inMemory {
		return s, nil
	}

	reader, err := sql.Open("sqlite3", withParam(dsn, "_query_only=true"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(ReaderConns)
	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	s.reader = reader
	return s, nil
}

// NewWithDB wraps an existing handle without migrating it. Reads share the
// handle's single connection.
func NewWithDB(db *sql.DB) *Store {
	db.SetMaxOpenConns(1)
	return &Store{db: db, reader: db}
}

func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.reader != s.db {
		return errors.Join(s.reader.Close(), s.db.Close())
	}
	return s.db.Close()
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	w, err := getWallet(ctx, s.reader, orderID)
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
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.CreatedBefore))
	}
	if filter.After != nil {
		where = append(where, "(created_at, order_id) > (?, ?)")
		args = append(args, formatTime(filter.After.CreatedAt), filter.After.OrderID)
	}
	query := "SELECT " + walletColumns + " FROM wallets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, order_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
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
	return listTransactions(ctx, s.reader, orderID)
}

func (s *Store) GetDispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	c, err := getDispute(ctx, s.reader, orderID)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, payload, created_at, attempts
		FROM outbox_events
		WHERE published_at IS NULL AND dead_at IS NULL
		ORDER BY seq
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []*events.Envelope
	for rows.Next() {
		var (
			env       events.Envelope
			payload   string
			createdAt string
		)
		if err := rows.Scan(&env.ID, &env.OrderID, &env.Type, &payload, &createdAt, &env.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		env.Payload = []byte(payload)
		if env.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "event", id,
		`UPDATE outbox_events SET published_at = ?, attempts = attempts + 1 WHERE id = ?`, formatTime(at), id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string) error {
	return s.execOne(ctx, "event", id, `UPDATE outbox_events SET attempts = attempts + 1 WHERE id = ?`, id)
}

func (s *Store) MarkEventDead(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "event", id,
		`UPDATE outbox_events SET dead_at = ?, attempts = attempts + 1 WHERE id = ?`, formatTime(at), id)
}

func (s *Store) execOne(ctx context.Context, entity, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &apperr.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

// tx implements store.Tx on a *sql.Tx.
type tx struct {
	q querier
}

func (t *tx) LockWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	// The write transaction already holds the database lock.
	return getWallet(ctx, t.q, orderID)
}

func (t *tx) InsertWallet(ctx context.Context, w *wallet.Wallet) error {
	args, err := walletArgs(w)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
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
	// walletArgs starts with order_id; move it to the WHERE clause.
	args = append(args[1:], w.OrderID)
	res, err := t.q.ExecContext(ctx, `UPDATE wallets SET
		seller_id = ?, expected_deposit = ?, expected_final = ?, deposit_held = ?, final_payment_held = ?,
		total_held = ?, refunded_amount = ?, released_amount = ?, adjustment_amount = ?, status = ?,
		pre_dispute_status = ?, release_conditions = ?, condition_set_at = ?, event_date = ?, sequence_no = ?,
		last_hash = ?, integrity_halted = ?, halt_reason = ?, fully_held_at = ?, created_at = ?, updated_at = ?
		WHERE order_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &apperr.NotFoundError{Entity: "wallet", ID: w.OrderID}
	}
	return nil
}

func (t *tx) Transactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	return listTransactions(ctx, t.q, orderID)
}

func (t *tx) FindByIdempotencyKey(ctx context.Context, orderID, key string) (*ledger.Transaction, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = ? AND idempotency_key = ?`, orderID, key)
	lt, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lt, err
}

func (t *tx) LastTransaction(ctx context.Context, orderID string) (*ledger.Transaction, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = ? ORDER BY sequence_no DESC LIMIT 1`, orderID)
	lt, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lt, err
}

func (t *tx) InsertTransaction(ctx context.Context, lt *ledger.Transaction) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lt.OrderID, lt.SequenceNo, lt.ID, string(lt.Type), lt.Amount.String(), lt.BalanceAfter.String(),
		string(lt.Status), lt.IdempotencyKey, lt.Reason, lt.Actor, lt.ReferenceSeq, lt.PrevHash, lt.Hash,
		formatTime(lt.CreatedAt))
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
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO dispute_cases (order_id, status, reason_code, reason, opened_by, opened_at, held_amount, hold_seq,
			resolution, refund_amount, penalty_amount, resolved_by, resolved_at, release_seq, note, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			status = excluded.status, resolution = excluded.resolution, refund_amount = excluded.refund_amount,
			penalty_amount = excluded.penalty_amount, resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at, release_seq = excluded.release_seq, note = excluded.note`,
		c.OrderID, string(c.Status), c.ReasonCode, c.Reason, c.OpenedBy, formatTime(c.OpenedAt), c.HeldAmount.String(),
		c.HoldSeq, string(c.Resolution), store.DecimalString(c.RefundAmount), store.DecimalString(c.PenaltyAmount),
		c.ResolvedBy, formatOptionalTime(c.ResolvedAt), c.ReleaseSeq, c.Note, meta)
	if err != nil {
		return fmt.Errorf("failed to save dispute: %w", err)
	}
	return nil
}

func (t *tx) EnqueueEvent(ctx context.Context, env *events.Envelope) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, order_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`, env.ID, env.OrderID, env.Type, string(env.Payload), formatTime(env.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

const walletColumns = `order_id, seller_id, expected_deposit, expected_final, deposit_held, final_payment_held,
	total_held, refunded_amount, released_amount, adjustment_amount, status, pre_dispute_status,
	release_conditions, condition_set_at, event_date, sequence_no, last_hash, integrity_halted, halt_reason,
	fully_held_at, created_at, updated_at`

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
		string(w.Status), string(w.PreDisputeStatus), conds, condTimes, formatTime(w.EventDate),
		w.SequenceNo, w.LastHash, w.IntegrityHalted, w.HaltReason, formatOptionalTime(w.FullyHeldAt),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func getWallet(ctx context.Context, q querier, orderID string) (*wallet.Wallet, error) {
	w, err := scanWallet(q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWallet(row scanner) (*wallet.Wallet, error) {
	var w wallet.Wallet
	var expDep, expFin, dep, fin, total, refd, reld, adj string
	var status, preDispute, conds, condTimes string
	var eventDate, createdAt, updatedAt string
	var fullyHeldAt sql.NullString
	err := row.Scan(&w.OrderID, &w.SellerID, &expDep, &expFin, &dep, &fin, &total, &refd, &reld, &adj,
		&status, &preDispute, &conds, &condTimes, &eventDate, &w.SequenceNo, &w.LastHash,
		&w.IntegrityHalted, &w.HaltReason, &fullyHeldAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if w.EventDate, err = parseTime(eventDate); err != nil {
		return nil, err
	}
	if w.FullyHeldAt, err = parseOptionalTime(fullyHeldAt); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

const txColumns = `order_id, sequence_no, id, transaction_type, amount, balance_after, status,
	idempotency_key, reason, actor, reference_seq, prev_hash, hash, created_at`

func listTransactions(ctx context.Context, q querier, orderID string) ([]*ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = ? ORDER BY sequence_no`, orderID)
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

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var lt ledger.Transaction
	var typ, amount, balance, status, createdAt string
	err := row.Scan(&lt.OrderID, &lt.SequenceNo, &lt.ID, &typ, &amount, &balance, &status,
		&lt.IdempotencyKey, &lt.Reason, &lt.Actor, &lt.ReferenceSeq, &lt.PrevHash, &lt.Hash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	lt.Type = ledger.Type(typ)
	lt.Status = ledger.Status(status)
	if err := store.Decimals(&lt.Amount, amount, &lt.BalanceAfter, balance); err != nil {
		return nil, err
	}
	if lt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &lt, nil
}

func getDispute(ctx context.Context, q querier, orderID string) (*disputes.Case, error) {
	var (
		c                        disputes.Case
		status, resolution       string
		openedAt, held, metadata string
		refund, penalty          *string
		resolvedAt               sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT order_id, status, reason_code, reason, opened_by, opened_at, held_amount, hold_seq,
			resolution, refund_amount, penalty_amount, resolved_by, resolved_at, release_seq, note, metadata
		FROM dispute_cases WHERE order_id = ?`, orderID).Scan(
		&c.OrderID, &status, &c.ReasonCode, &c.Reason, &c.OpenedBy, &openedAt, &held, &c.HoldSeq,
		&resolution, &refund, &penalty, &c.ResolvedBy, &resolvedAt, &c.ReleaseSeq, &c.Note, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	c.Status = disputes.CaseStatus(status)
	c.Resolution = disputes.Resolution(resolution)
	if err := store.Decimals(&c.HeldAmount, held); err != nil {
		return nil, err
	}
	if c.RefundAmount, err = store.OptionalDecimal(refund); err != nil {
		return nil, err
	}
	if c.PenaltyAmount, err = store.OptionalDecimal(penalty); err != nil {
		return nil, err
	}
	if c.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = parseOptionalTime(resolvedAt); err != nil {
		return nil, err
	}
	if c.Metadata, err = store.DecodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &c, nil
}
