// Package escrow is the wallet state machine. Every command runs under the
// order's lock inside one store transaction: guard, ledger append, wallet
// fold and outbox write either all commit or none do.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/lock"
	"github.com/example/preorder-escrow/internal/payout"
	"github.com/example/preorder-escrow/internal/policy"
	"github.com/example/preorder-escrow/internal/settlement"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Options configure the engine. Zero values fall back to the defaults below.
type Options struct {
	// RequiredConditions are the release gates given to new wallets.
	RequiredConditions []string
	// AutoReleaseBuffer is how long after delivery confirmation a wallet is
	// released without a dispute.
	AutoReleaseBuffer time.Duration
	// DepositTimeout cancels wallets still waiting for a deposit.
	DepositTimeout time.Duration
	// Scale is the currency scale used when deriving deposit amounts.
	Scale int32
	// ScanLimit is the page size of background scans.
	ScanLimit int
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.RequiredConditions == nil {
		o.RequiredConditions = []string{wallet.ConditionDeliveryConfirmed, wallet.ConditionDisputeWindowElapsed}
	}
	if o.AutoReleaseBuffer <= 0 {
		o.AutoReleaseBuffer = 72 * time.Hour
	}
	if o.DepositTimeout <= 0 {
		o.DepositTimeout = 48 * time.Hour
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service applies commands to escrow wallets.
type Service struct {
	store     store.Store
	locker    lock.Locker
	settler   *settlement.Settler
	disputes  *disputes.Manager
	validator *ledger.Validator
	logger    *slog.Logger
	opts      Options
}

func NewService(st store.Store, locker lock.Locker, settler *settlement.Settler, logger *slog.Logger, opts Options) *Service {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		locker:    locker,
		settler:   settler,
		disputes:  disputes.NewManager(settler),
		validator: ledger.NewValidator(),
		logger:    logger,
		opts:      opts,
	}
}

// Result is what a command leaves behind. Duplicate is set when the
// idempotency key had already been used and nothing new was written; the
// transactions are then the ones recorded the first time.
type Result struct {
	Wallet       *wallet.Wallet        `json:"wallet"`
	Transactions []*ledger.Transaction `json:"transactions"`
	Duplicate    bool                  `json:"duplicate"`
	Dispute      *disputes.Case        `json:"dispute,omitempty"`
	Outcome      *policy.Outcome       `json:"refund_outcome,omitempty"`
	Split        *payout.Split         `json:"payout_split,omitempty"`
}

// call describes one command execution.
type call struct {
	cmd     Command
	orderID string
	// key is the caller's idempotency key. Empty keys get a generated one.
	key   string
	actor string
	// sameAs recognises the first transaction of an earlier run with key.
	// Nil for commands that append nothing.
	sameAs func(first *ledger.Transaction) bool
}

// unit is the state threaded through one command inside its transaction.
type unit struct {
	ctx     context.Context
	tx      store.Tx
	svc     *Service
	call    call
	key     string
	now     time.Time
	before  *wallet.Wallet
	w       *wallet.Wallet
	created bool
	txs     []*ledger.Transaction
	result  *Result
}

func (s *Service) lockKey(orderID string) string { return "wallet:" + orderID }

// execute runs fn for c under the order lock. fn sees the locked wallet in
// u.w (nil only for creation) and records its changes through u.
func (s *Service) execute(ctx context.Context, c call, fn func(u *unit) error) (*Result, error) {
	if strings.TrimSpace(c.orderID) == "" {
		return nil, apperr.Invalid("order_id", "is required")
	}

	var res *Result
	err := s.locker.WithLock(ctx, s.lockKey(c.orderID), func(ctx context.Context) error {
		var drift string
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			res, drift = nil, ""

			w, err := tx.LockWallet(ctx, c.orderID)
			if err != nil {
				return err
			}
			if w == nil && c.cmd != CmdCreateWallet {
				return &apperr.NotFoundError{Entity: "wallet", ID: c.orderID}
			}

			if w != nil {
				if c.key != "" && c.sameAs != nil {
					dup, err := s.findDuplicate(ctx, tx, w, c)
					if err != nil || dup != nil {
						res = dup
						return err
					}
				}
				if w.IntegrityHalted {
					return &apperr.InvariantViolationError{OrderID: c.orderID, Reason: "wallet is halted: " + w.HaltReason}
				}
				if drift, err = headDrift(ctx, tx, w); err != nil {
					return err
				}
				if drift != "" {
					return &apperr.InvariantViolationError{OrderID: c.orderID, Reason: drift}
				}
			}

			u := &unit{ctx: ctx, tx: tx, svc: s, call: c, key: c.key, now: s.opts.Now().UTC(), before: w, w: w}
			if u.key == "" {
				u.key = string(c.cmd) + ":" + uuid.NewString()
			}
			if w != nil {
				u.w = w.Clone()
			}
			if err := fn(u); err != nil {
				return err
			}
			res, err = u.commit()
			return err
		})
		if drift != "" {
			if herr := s.halt(ctx, c.orderID, drift); herr != nil {
				return errors.Join(err, herr)
			}
		}
		return err
	})

	s.logOutcome(c, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) logOutcome(c call, res *Result, err error) {
	attrs := []any{"order_id", c.orderID, "command", string(c.cmd)}
	if c.actor != "" {
		attrs = append(attrs, "actor", c.actor)
	}
	switch kind := apperr.KindOf(err); {
	case err == nil:
		attrs = append(attrs, "status", string(res.Wallet.Status), "transactions", len(res.Transactions), "duplicate", res.Duplicate)
		if c.cmd == CmdRecordAdjustment && !res.Duplicate {
			s.logger.Warn("manual adjustment recorded", attrs...)
			return
		}
		s.logger.Info("wallet command applied", attrs...)
	case kind == apperr.KindInvariantViolation || kind == apperr.KindInternal:
		s.logger.Error("wallet command failed", append(attrs, "kind", string(kind), "error", err)...)
	default:
		s.logger.Info("wallet command rejected", append(attrs, "kind", string(kind), "error", err)...)
	}
}

// findDuplicate returns the recorded result when c.key was already used on
// the order, or an IdempotencyConflictError when it was used for something
// else.
func (s *Service) findDuplicate(ctx context.Context, tx store.Tx, w *wallet.Wallet, c call) (*Result, error) {
	first, err := tx.FindByIdempotencyKey(ctx, c.orderID, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if first == nil {
		return nil, nil
	}
	if !c.sameAs(first) {
		return nil, &apperr.IdempotencyConflictError{OrderID: c.orderID, IdempotencyKey: c.key}
	}

	all, err := tx.Transactions(ctx, c.orderID)
	if err != nil {
		return nil, err
	}
	res := &Result{Wallet: w, Duplicate: true}
	for _, t := range all {
		if t.IdempotencyKey == c.key || strings.HasPrefix(t.IdempotencyKey, c.key+"#") {
			res.Transactions = append(res.Transactions, t)
		}
	}
	if c.cmd == CmdOpenDispute || c.cmd == CmdResolveDispute {
		if res.Dispute, err = tx.GetDispute(ctx, c.orderID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// headDrift compares the wallet's recorded ledger head with the log.
func headDrift(ctx context.Context, tx store.Tx, w *wallet.Wallet) (string, error) {
	last, err := tx.LastTransaction(ctx, w.OrderID)
	if err != nil {
		return "", fmt.Errorf("failed to read ledger head: %w", err)
	}
	switch {
	case last == nil && w.SequenceNo != 0:
		return fmt.Sprintf("wallet is at sequence %d but the ledger is empty", w.SequenceNo), nil
	case last != nil && (last.SequenceNo != w.SequenceNo || last.Hash != w.LastHash):
		return fmt.Sprintf("ledger head is sequence %d but wallet is at %d", last.SequenceNo, w.SequenceNo), nil
	}
	return "", nil
}

// halt marks the wallet so no further command mutates it until an operator
// rebuilds it.
func (s *Service) halt(ctx context.Context, orderID, reason string) error {
	s.logger.Error("wallet integrity halted", "order_id", orderID, "reason", reason)
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWallet(ctx, orderID)
		if err != nil || w == nil {
			return err
		}
		w.IntegrityHalted = true
		w.HaltReason = reason
		w.UpdatedAt = s.opts.Now().UTC()
		return tx.UpdateWallet(ctx, w)
	})
}

// create installs a new wallet.
func (u *unit) create(w *wallet.Wallet) {
	u.w = w
	u.created = true
}

// append records e as the next transaction and folds it into the wallet.
// The first entry of a command carries the command's key; later entries are
// suffixed with their position.
func (u *unit) append(e ledger.Entry) (*ledger.Transaction, error) {
	e.IdempotencyKey = u.key
	if n := len(u.txs); n > 0 {
		e.IdempotencyKey = fmt.Sprintf("%s#%d", u.key, n)
	}
	if e.Actor == "" {
		e.Actor = u.call.actor
	}

	balanceAfter := u.w.Available()
	if e.Type.MovesValue() {
		balanceAfter = balanceAfter.Add(e.Amount)
	}
	if balanceAfter.IsNegative() {
		return nil, &apperr.InsufficientFundsError{
			OrderID:   u.w.OrderID,
			Requested: e.Amount.Abs().String(),
			Available: u.w.Available().String(),
		}
	}

	t, err := ledger.Append(u.ctx, u.tx, u.w.OrderID, e, balanceAfter, u.now)
	if err != nil {
		return nil, err
	}
	next, err := wallet.Apply(u.w, t)
	if err != nil {
		return nil, err
	}
	if !next.Available().Equal(t.BalanceAfter) {
		return nil, &apperr.InvariantViolationError{
			OrderID: u.w.OrderID,
			Reason:  fmt.Sprintf("fold produced %s but entry %d recorded %s", next.Available(), t.SequenceNo, t.BalanceAfter),
		}
	}
	u.w = next
	u.txs = append(u.txs, t)
	return t, nil
}

// settle appends every entry of a settlement plan and moves the wallet to
// the plan's status.
func (u *unit) settle(plan settlement.Plan) error {
	for _, e := range plan.Entries {
		if _, err := u.append(e); err != nil {
			return err
		}
	}
	if plan.Status.Terminal() && !u.w.Available().IsZero() {
		return &apperr.InvariantViolationError{
			OrderID: u.w.OrderID,
			Reason:  fmt.Sprintf("settlement left %s in custody", u.w.Available()),
		}
	}
	u.w.Status = plan.Status
	u.outcome(plan)
	return nil
}

func (u *unit) outcome(plan settlement.Plan) {
	if u.result == nil {
		u.result = &Result{}
	}
	u.result.Outcome = plan.Outcome
	u.result.Split = plan.Split
}

func (u *unit) emit(eventType string, payload any) error {
	env, err := events.NewEnvelope(eventType, u.w.OrderID, payload, u.now)
	if err != nil {
		return err
	}
	return u.tx.EnqueueEvent(u.ctx, env)
}

// noop ends a command that found nothing to change.
func (u *unit) noop() {
	if u.result == nil {
		u.result = &Result{}
	}
	u.result.Duplicate = true
}

// commit persists the wallet and writes the outbox rows.
func (u *unit) commit() (*Result, error) {
	res := u.result
	if res == nil {
		res = &Result{}
	}
	if res.Duplicate && !u.created && len(u.txs) == 0 {
		res.Wallet = u.w
		return res, nil
	}

	for _, t := range u.txs {
		if err := u.emit(events.TypeTransactionRecorded, events.TransactionRecorded{OrderID: t.OrderID, Transaction: t}); err != nil {
			return nil, err
		}
	}
	var old wallet.Status
	if u.before != nil {
		old = u.before.Status
	}
	if old != u.w.Status {
		if err := u.emit(events.TypeWalletStatusChanged, events.WalletStatusChanged{
			OrderID:   u.w.OrderID,
			OldStatus: old,
			NewStatus: u.w.Status,
			Command:   string(u.call.cmd),
			At:        u.now,
		}); err != nil {
			return nil, err
		}
	}

	u.w.UpdatedAt = u.now
	if u.created {
		if err := u.tx.InsertWallet(u.ctx, u.w); err != nil {
			return nil, err
		}
	} else if err := u.tx.UpdateWallet(u.ctx, u.w); err != nil {
		return nil, err
	}

	res.Wallet = u.w.Clone()
	res.Transactions = u.txs
	return res, nil
}

// Wallet returns the current aggregate without taking the order lock.
func (s *Service) Wallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	return s.store.GetWallet(ctx, orderID)
}

// History returns the order's transactions in sequence order.
func (s *Service) History(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	if _, err := s.store.GetWallet(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, orderID)
}

// Dispute returns the order's dispute case, open or resolved.
func (s *Service) Dispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	return s.store.GetDispute(ctx, orderID)
}

func sameTypeAndAmount(typ ledger.Type, amount decimal.Decimal) func(*ledger.Transaction) bool {
	return func(t *ledger.Transaction) bool {
		return t.Type == typ && t.Amount.Equal(amount)
	}
}

func oneOf(types ...ledger.Type) func(*ledger.Transaction) bool {
	return func(t *ledger.Transaction) bool {
		for _, typ := range types {
			if t.Type == typ {
				return true
			}
		}
		return false
	}
}
