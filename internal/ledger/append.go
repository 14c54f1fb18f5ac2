package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/pkg/audit"
)

// Journal is the persistence surface the log appends through. Implementations
// run inside the caller's store transaction.
type Journal interface {
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, orderID, key string) (*Transaction, error)
	// LastTransaction returns nil, nil for an empty log.
	LastTransaction(ctx context.Context, orderID string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
}

// Entry is a movement waiting to be appended.
type Entry struct {
	Type           Type
	Amount         decimal.Decimal
	IdempotencyKey string
	Reason         string
	Actor          string
	ReferenceSeq   int64
}

// Append records e as the next transaction for orderID. A key already seen
// for the order returns a *apperr.DuplicateTransactionError whose Original is
// the first transaction; the same key with a different movement is an
// *apperr.IdempotencyConflictError. Entries are never updated afterwards.
func Append(ctx context.Context, j Journal, orderID string, e Entry, balanceAfter decimal.Decimal, now time.Time) (*Transaction, error) {
	if orderID == "" {
		return nil, apperr.Invalid("order_id", "is required")
	}
	if e.IdempotencyKey == "" {
		return nil, apperr.Invalid("idempotency_key", "is required")
	}
	if err := ValidateSign(e.Type, e.Amount); err != nil {
		return nil, apperr.Invalid("amount", "%s", err.Error())
	}

	existing, err := j.FindByIdempotencyKey(ctx, orderID, e.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing != nil {
		if existing.Type == e.Type && existing.Amount.Equal(e.Amount) {
			return nil, &apperr.DuplicateTransactionError{OrderID: orderID, IdempotencyKey: e.IdempotencyKey, Original: existing}
		}
		return nil, &apperr.IdempotencyConflictError{OrderID: orderID, IdempotencyKey: e.IdempotencyKey}
	}

	last, err := j.LastTransaction(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}
	seq, prev := int64(1), audit.GenesisHash
	if last != nil {
		seq, prev = last.SequenceNo+1, last.Hash
	}

	t := &Transaction{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		SequenceNo:     seq,
		Type:           e.Type,
		Amount:         e.Amount,
		BalanceAfter:   balanceAfter,
		Status:         StatusCompleted,
		IdempotencyKey: e.IdempotencyKey,
		Reason:         e.Reason,
		Actor:          e.Actor,
		ReferenceSeq:   e.ReferenceSeq,
		PrevHash:       prev,
		CreatedAt:      now.UTC().Truncate(time.Microsecond),
	}
	t.Hash = audit.Seal(t.PrevHash, t.CreatedAt, t.sealPayload())

	if err := j.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return t, nil
}

// OriginalOf extracts the first transaction from a duplicate error.
func OriginalOf(err error) (*Transaction, bool) {
	var dup *apperr.DuplicateTransactionError
	if !errors.As(err, &dup) {
		return nil, false
	}
	t, ok := dup.Original.(*Transaction)
	return t, ok
}

// VerifyChain reports the first sequence number whose hash or link does not
// match, or zero when the chain is intact.
func VerifyChain(txs []*Transaction) int64 {
	prev := audit.GenesisHash
	for _, t := range txs {
		if t.PrevHash != prev {
			return t.SequenceNo
		}
		if audit.Seal(t.PrevHash, t.CreatedAt, t.sealPayload()) != t.Hash {
			return t.SequenceNo
		}
		prev = t.Hash
	}
	return 0
}

// Net sums the signed value of completed transactions.
func Net(txs []*Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.SignedValue())
	}
	return total
}
