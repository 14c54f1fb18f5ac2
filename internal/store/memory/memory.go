// Package memory is an in-process Store for tests and single-node trials.
// Transactions are serialized by one mutex and staged until commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

type state struct {
	wallets  map[string]*wallet.Wallet
	txs      map[string][]*ledger.Transaction
	disputes map[string]*disputes.Case
	outbox   []*events.Envelope
}

// Store keeps everything in maps guarded by a single write lock.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: state{
		wallets:  map[string]*wallet.Wallet{},
		txs:      map[string][]*ledger.Transaction{},
		disputes: map[string]*disputes.Case{},
	}}
}

func (s *Store) Close() error { return nil }

// WithinTx runs fn with exclusive write access. Writes are staged on the tx
// and applied only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{
		parent:   s,
		wallets:  map[string]*wallet.Wallet{},
		txs:      map[string][]*ledger.Transaction{},
		disputes: map[string]*disputes.Case{},
	}
	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range t.wallets {
		s.state.wallets[id] = w
	}
	for id, appended := range t.txs {
		s.state.txs[id] = append(s.state.txs[id], appended...)
	}
	for id, c := range t.disputes {
		s.state.disputes[id] = c
	}
	s.state.outbox = append(s.state.outbox, t.outbox...)
	return nil
}

func (s *Store) GetWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.state.wallets[orderID]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "wallet", ID: orderID}
	}
	return w.Clone(), nil
}

func (s *Store) ListWallets(ctx context.Context, filter store.WalletFilter) ([]*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*wallet.Wallet
	for _, w := range s.state.wallets {
		if !matches(w, filter) {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(w *wallet.Wallet, f store.WalletFilter) bool {
	if !f.CreatedBefore.IsZero() && !w.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.After.Follows(w) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if w.Status == st {
			return true
		}
	}
	return false
}

func (s *Store) ListTransactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTxs(s.state.txs[orderID]), nil
}

func (s *Store) GetDispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.disputes[orderID]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "dispute", ID: orderID}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*events.Envelope
	for _, e := range s.state.outbox {
		if e.PublishedAt != nil || e.DeadAt != nil {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.outbox {
		if e.ID == id {
			t := at.UTC()
			e.PublishedAt = &t
			e.Attempts++
			return nil
		}
	}
	return &apperr.NotFoundError{Entity: "event", ID: id}
}

func (s *Store) MarkEventFailed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.outbox {
		if e.ID == id {
			e.Attempts++
			return nil
		}
	}
	return &apperr.NotFoundError{Entity: "event", ID: id}
}

func (s *Store) MarkEventDead(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.outbox {
		if e.ID == id {
			t := at.UTC()
			e.DeadAt = &t
			e.Attempts++
			return nil
		}
	}
	return &apperr.NotFoundError{Entity: "event", ID: id}
}

func copyTxs(in []*ledger.Transaction) []*ledger.Transaction {
	out := make([]*ledger.Transaction, len(in))
	for i, t := range in {
		cp := *t
		out[i] = &cp
	}
	return out
}

type tx struct {
	parent   *Store
	wallets  map[string]*wallet.Wallet
	txs      map[string][]*ledger.Transaction
	disputes map[string]*disputes.Case
	outbox   []*events.Envelope
}

func (t *tx) LockWallet(ctx context.Context, orderID string) (*wallet.Wallet, error) {
	if w, ok := t.wallets[orderID]; ok {
		return w.Clone(), nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if w, ok := t.parent.state.wallets[orderID]; ok {
		return w.Clone(), nil
	}
	return nil, nil
}

func (t *tx) InsertWallet(ctx context.Context, w *wallet.Wallet) error {
	existing, _ := t.LockWallet(ctx, w.OrderID)
	if existing != nil {
		return &apperr.AlreadyExistsError{OrderID: w.OrderID}
	}
	t.wallets[w.OrderID] = w.Clone()
	return nil
}

func (t *tx) UpdateWallet(ctx context.Context, w *wallet.Wallet) error {
	existing, _ := t.LockWallet(ctx, w.OrderID)
	if existing == nil {
		return &apperr.NotFoundError{Entity: "wallet", ID: w.OrderID}
	}
	t.wallets[w.OrderID] = w.Clone()
	return nil
}

func (t *tx) Transactions(ctx context.Context, orderID string) ([]*ledger.Transaction, error) {
	t.parent.mu.RLock()
	committed := copyTxs(t.parent.state.txs[orderID])
	t.parent.mu.RUnlock()
	return append(committed, copyTxs(t.txs[orderID])...), nil
}

func (t *tx) FindByIdempotencyKey(ctx context.Context, orderID, key string) (*ledger.Transaction, error) {
	all, _ := t.Transactions(ctx, orderID)
	for _, existing := range all {
		if existing.IdempotencyKey == key {
			return existing, nil
		}
	}
	return nil, nil
}

func (t *tx) LastTransaction(ctx context.Context, orderID string) (*ledger.Transaction, error) {
	all, _ := t.Transactions(ctx, orderID)
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}

func (t *tx) InsertTransaction(ctx context.Context, lt *ledger.Transaction) error {
	cp := *lt
	t.txs[lt.OrderID] = append(t.txs[lt.OrderID], &cp)
	return nil
}

func (t *tx) GetDispute(ctx context.Context, orderID string) (*disputes.Case, error) {
	if c, ok := t.disputes[orderID]; ok {
		cp := *c
		return &cp, nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if c, ok := t.parent.state.disputes[orderID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (t *tx) SaveDispute(ctx context.Context, c *disputes.Case) error {
	cp := *c
	t.disputes[c.OrderID] = &cp
	return nil
}

func (t *tx) EnqueueEvent(ctx context.Context, env *events.Envelope) error {
	cp := *env
	t.outbox = append(t.outbox, &cp)
	return nil
}
