package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Tamper rewrites a stored wallet with a plain update and leaves its ledger
// alone, producing the drifted aggregate reconciliation has to catch.
func Tamper(t testing.TB, s store.Store, orderID string, fn func(w *wallet.Wallet)) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		w, err := tx.LockWallet(ctx, orderID)
		if err != nil {
			return err
		}
		if w == nil {
			return &apperr.NotFoundError{Entity: "wallet", ID: orderID}
		}
		fn(w)
		return tx.UpdateWallet(ctx, w)
	})
	require.NoError(t, err)
}
