// Package storetest holds behaviour every store.Store implementation must
// share. Each backend's tests call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Factory returns an empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) store.Store

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newWallet(orderID string) *wallet.Wallet {
	return wallet.New(wallet.Params{
		OrderID:            orderID,
		SellerID:           "seller-1",
		DepositAmount:      decimal.NewFromInt(300000),
		FinalAmount:        decimal.NewFromInt(700000),
		EventDate:          baseTime.AddDate(0, 1, 0),
		RequiredConditions: []string{wallet.ConditionDeliveryConfirmed},
	}, baseTime)
}

// Run executes the conformance suite against a fresh store per subtest.
func Run(t *testing.T, newStore Factory) {
	t.Run("wallet round trip", func(t *testing.T) { testWalletRoundTrip(t, newStore(t)) })
	t.Run("duplicate wallet", func(t *testing.T) { testDuplicateWallet(t, newStore(t)) })
	t.Run("missing rows", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("rollback discards writes", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ledger append and lookup", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("dispute upsert", func(t *testing.T) { testDispute(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("list wallets filter", func(t *testing.T) { testListWallets(t, newStore(t)) })
	t.Run("list wallets pages", func(t *testing.T) { testListWalletsPages(t, newStore(t)) })
	t.Run("tamper leaves ledger alone", func(t *testing.T) { testTamper(t, newStore(t)) })
}

func insert(t *testing.T, s store.Store, w *wallet.Wallet) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertWallet(ctx, w)
	}))
}

func testWalletRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWallet("order-rt")
	insert(t, s, w)

	got, err := s.GetWallet(ctx, "order-rt")
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusPendingDeposit, got.Status)
	assert.True(t, got.ExpectedDeposit.Equal(decimal.NewFromInt(300000)))
	assert.Equal(t, map[string]bool{wallet.ConditionDeliveryConfirmed: false}, got.ReleaseConditions)
	assert.True(t, got.EventDate.Equal(w.EventDate))

	held := baseTime.Add(time.Hour)
	got.DepositHeld = decimal.NewFromInt(300000)
	got.TotalHeld = decimal.NewFromInt(300000)
	got.Status = wallet.StatusDepositHeld
	got.SequenceNo = 1
	got.LastHash = "abc"
	got.FullyHeldAt = &held
	got.SetCondition(wallet.ConditionDeliveryConfirmed, true, held)
	got.IntegrityHalted = true
	got.HaltReason = "drift"
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWallet(ctx, got)
	}))

	again, err := s.GetWallet(ctx, "order-rt")
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusDepositHeld, again.Status)
	assert.True(t, again.Available().Equal(decimal.NewFromInt(300000)))
	assert.Equal(t, int64(1), again.SequenceNo)
	assert.Equal(t, "abc", again.LastHash)
	require.NotNil(t, again.FullyHeldAt)
	assert.True(t, again.FullyHeldAt.Equal(held))
	assert.True(t, again.ReleaseConditions[wallet.ConditionDeliveryConfirmed])
	assert.True(t, again.ConditionSetAt[wallet.ConditionDeliveryConfirmed].Equal(held))
	assert.True(t, again.IntegrityHalted)
	assert.Equal(t, "drift", again.HaltReason)
}

func testDuplicateWallet(t *testing.T, s store.Store) {
	insert(t, s, newWallet("order-dup"))
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertWallet(ctx, newWallet("order-dup"))
	})
	var exists *apperr.AlreadyExistsError
	assert.ErrorAs(t, err, &exists)
}

func testMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetWallet(ctx, "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = s.GetDispute(ctx, "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	txs, err := s.ListTransactions(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, txs)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWallet(ctx, "nope")
		assert.Nil(t, w)
		assert.NoError(t, err)
		c, err := tx.GetDispute(ctx, "nope")
		assert.Nil(t, c)
		assert.NoError(t, err)
		last, err := tx.LastTransaction(ctx, "nope")
		assert.Nil(t, last)
		return err
	}))

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWallet(ctx, newWallet("nope"))
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w := newWallet("order-rb")
		if err := tx.InsertWallet(ctx, w); err != nil {
			return err
		}
		if _, err := ledger.Append(ctx, tx, w.OrderID, ledger.Entry{
			Type: ledger.TypeDepositIn, Amount: decimal.NewFromInt(1), IdempotencyKey: "k",
		}, decimal.NewFromInt(1), baseTime); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetWallet(ctx, "order-rb")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	txs, err := s.ListTransactions(ctx, "order-rb")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := newWallet("order-lg")
	insert(t, s, w)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := ledger.Append(ctx, tx, w.OrderID, ledger.Entry{
			Type: ledger.TypeDepositIn, Amount: decimal.NewFromInt(300000), IdempotencyKey: "dep-1", Actor: "buyer",
		}, decimal.NewFromInt(300000), baseTime); err != nil {
			return err
		}
		// The second append must see the first inside the same transaction.
		_, err := ledger.Append(ctx, tx, w.OrderID, ledger.Entry{
			Type: ledger.TypeFinalPaymentIn, Amount: decimal.NewFromInt(700000), IdempotencyKey: "fin-1",
		}, decimal.NewFromInt(1000000), baseTime.Add(time.Minute))
		return err
	}))

	txs, err := s.ListTransactions(ctx, w.OrderID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(1), txs[0].SequenceNo)
	assert.Equal(t, int64(2), txs[1].SequenceNo)
	assert.Equal(t, txs[0].Hash, txs[1].PrevHash)
	assert.Equal(t, "buyer", txs[0].Actor)
	assert.Zero(t, ledger.VerifyChain(txs), "hashes must survive storage")
	assert.True(t, ledger.Net(txs).Equal(decimal.NewFromInt(1000000)))

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Append(ctx, tx, w.OrderID, ledger.Entry{
			Type: ledger.TypeDepositIn, Amount: decimal.NewFromInt(300000), IdempotencyKey: "dep-1",
		}, decimal.Zero, baseTime)
		return err
	})
	orig, ok := ledger.OriginalOf(err)
	require.True(t, ok)
	assert.Equal(t, txs[0].ID, orig.ID)
}

func testDispute(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, newWallet("order-dp"))

	c := &disputes.Case{
		OrderID:    "order-dp",
		Status:     disputes.CaseOpen,
		ReasonCode: "not_delivered",
		Reason:     "nothing arrived",
		OpenedBy:   "buyer",
		OpenedAt:   baseTime,
		HeldAmount: decimal.NewFromInt(300000),
		HoldSeq:    2,
		Metadata:   map[string]any{"ticket": "T-1"},
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveDispute(ctx, c)
	}))

	got, err := s.GetDispute(ctx, "order-dp")
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.Nil(t, got.RefundAmount)
	assert.Equal(t, "T-1", got.Metadata["ticket"])

	refund := decimal.NewFromInt(100000)
	penalty := decimal.NewFromInt(200000)
	resolved := baseTime.Add(48 * time.Hour)
	c.Status = disputes.CaseResolved
	c.Resolution = disputes.ResolutionSplit
	c.RefundAmount = &refund
	c.PenaltyAmount = &penalty
	c.ResolvedBy = "ops"
	c.ResolvedAt = &resolved
	c.ReleaseSeq = 3
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveDispute(ctx, c)
	}))

	got, err = s.GetDispute(ctx, "order-dp")
	require.NoError(t, err)
	assert.False(t, got.IsOpen())
	assert.Equal(t, disputes.ResolutionSplit, got.Resolution)
	require.NotNil(t, got.RefundAmount)
	assert.True(t, got.RefundAmount.Equal(refund))
	assert.True(t, got.PenaltyAmount.Equal(penalty))
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolved))
	assert.Equal(t, int64(3), got.ReleaseSeq)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, st := range []wallet.Status{wallet.StatusDepositHeld, wallet.StatusFullyHeld} {
			env, err := events.NewEnvelope(events.TypeWalletStatusChanged, "order-ob", events.WalletStatusChanged{
				OrderID: "order-ob", NewStatus: st, At: baseTime,
			}, baseTime.Add(time.Duration(i)*time.Second))
			if err != nil {
				return err
			}
			ids = append(ids, env.ID)
			if err := tx.EnqueueEvent(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Contains(t, string(pending[0].Payload), `"order-ob"`)

	require.NoError(t, s.MarkEventFailed(ctx, ids[0]))
	require.NoError(t, s.MarkEventPublished(ctx, ids[1], baseTime))

	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, s.MarkEventDead(ctx, ids[0], baseTime))
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "dead-lettered events are no longer pending")

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(s.MarkEventPublished(ctx, "missing", baseTime)))
}

func testListWallets(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"order-a", "order-b", "order-c"} {
		w := newWallet(id)
		w.CreatedAt = baseTime.Add(time.Duration(i) * time.Hour)
		if id == "order-b" {
			w.Status = wallet.StatusFullyHeld
		}
		insert(t, s, w)
	}

	all, err := s.ListWallets(ctx, store.WalletFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "order-a", all[0].OrderID)

	pending, err := s.ListWallets(ctx, store.WalletFilter{
		Statuses:      []wallet.Status{wallet.StatusPendingDeposit},
		CreatedBefore: baseTime.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "order-a", pending[0].OrderID)

	limited, err := s.ListWallets(ctx, store.WalletFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testListWalletsPages(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Two wallets share a creation time so the order id breaks the tie.
	for i, id := range []string{"order-a", "order-c", "order-b", "order-d", "order-e"} {
		w := newWallet(id)
		w.CreatedAt = baseTime.Add(time.Duration(i/2) * time.Hour)
		insert(t, s, w)
	}

	var seen []string
	filter := store.WalletFilter{Limit: 2}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "scan did not terminate")
		page, err := s.ListWallets(ctx, filter)
		require.NoError(t, err)
		for _, w := range page {
			seen = append(seen, w.OrderID)
		}
		if len(page) < filter.Limit {
			break
		}
		filter.After = store.CursorAfter(page[len(page)-1])
	}
	assert.Equal(t, []string{"order-a", "order-c", "order-b", "order-d", "order-e"}, seen)
}

func testTamper(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, newWallet("order-1"))

	Tamper(t, s, "order-1", func(w *wallet.Wallet) { w.RefundedAmount = decimal.NewFromInt(5) })

	w, err := s.GetWallet(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, w.RefundedAmount.Equal(decimal.NewFromInt(5)))
	txs, err := s.ListTransactions(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}
