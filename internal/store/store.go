// Package store defines persistence for wallets, the transaction log,
// dispute cases and the event outbox. Implementations live in the memory,
// sqlite and postgres subpackages.
package store

import (
	"context"
	"time"

	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Tx is one atomic unit of work. Nothing written through it is visible to
// readers until WithinTx returns nil.
type Tx interface {
	ledger.Journal

	// LockWallet returns the wallet and holds its row until the transaction
	// ends. Missing wallets yield nil, nil so creation can run under the lock.
	LockWallet(ctx context.Context, orderID string) (*wallet.Wallet, error)
	InsertWallet(ctx context.Context, w *wallet.Wallet) error
	UpdateWallet(ctx context.Context, w *wallet.Wallet) error

	Transactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error)

	// GetDispute returns nil, nil when the order never had a dispute.
	GetDispute(ctx context.Context, orderID string) (*disputes.Case, error)
	SaveDispute(ctx context.Context, c *disputes.Case) error

	EnqueueEvent(ctx context.Context, env *events.Envelope) error
}

// WalletFilter selects wallets for background scans. Results are ordered by
// (created_at, order_id); After resumes a scan past a previous page.
type WalletFilter struct {
	Statuses      []wallet.Status
	CreatedBefore time.Time
	After         *Cursor
	Limit         int
}

// Cursor is the position of the last wallet of a page.
type Cursor struct {
	CreatedAt time.Time
	OrderID   string
}

// CursorAfter returns the cursor continuing a scan past w.
func CursorAfter(w *wallet.Wallet) *Cursor {
	return &Cursor{CreatedAt: w.CreatedAt, OrderID: w.OrderID}
}

// Follows reports whether w sorts strictly after c.
func (c *Cursor) Follows(w *wallet.Wallet) bool {
	if c == nil {
		return true
	}
	if !w.CreatedAt.Equal(c.CreatedAt) {
		return w.CreatedAt.After(c.CreatedAt)
	}
	return w.OrderID > c.OrderID
}

// Store is the lock-free read side plus the transactional write entry point.
type Store interface {
	events.Outbox

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetWallet returns *apperr.NotFoundError for unknown orders.
	GetWallet(ctx context.Context, orderID string) (*wallet.Wallet, error)
	ListWallets(ctx context.Context, filter WalletFilter) ([]*wallet.Wallet, error)
	ListTransactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error)
	// GetDispute returns *apperr.NotFoundError when there is no case.
	GetDispute(ctx context.Context, orderID string) (*disputes.Case, error)

	Close() error
}
