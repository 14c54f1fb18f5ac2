package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newWallet() *Wallet {
	return New(Params{
		OrderID:            "order-1",
		SellerID:           "farm-7",
		DepositAmount:      d("300000"),
		FinalAmount:        d("700000"),
		EventDate:          now.AddDate(0, 0, 30),
		RequiredConditions: []string{ConditionDeliveryConfirmed, ConditionDisputeWindowElapsed},
	}, now)
}

func tx(seq int64, typ ledger.Type, amount string) *ledger.Transaction {
	return &ledger.Transaction{
		OrderID:    "order-1",
		SequenceNo: seq,
		Type:       typ,
		Amount:     d(amount),
		Status:     ledger.StatusCompleted,
		Hash:       "h" + amount,
	}
}

func TestNewWallet(t *testing.T) {
	w := newWallet()
	assert.Equal(t, StatusPendingDeposit, w.Status)
	assert.True(t, w.OrderAmount().Equal(d("1000000")))
	assert.True(t, w.Available().IsZero())
	assert.Equal(t, []string{ConditionDeliveryConfirmed, ConditionDisputeWindowElapsed}, w.MissingConditions())
}

func TestApplyInflowsAndOutflows(t *testing.T) {
	w := newWallet()
	steps := []*ledger.Transaction{
		tx(1, ledger.TypeDepositIn, "300000"),
		tx(2, ledger.TypeFinalPaymentIn, "700000"),
		tx(3, ledger.TypeSellerPayout, "-950000"),
		tx(4, ledger.TypeCommissionDeduct, "-50000"),
	}
	for _, s := range steps {
		next, err := Apply(w, s)
		require.NoError(t, err)
		w = next
	}

	assert.True(t, w.DepositHeld.Equal(d("300000")))
	assert.True(t, w.FinalPaymentHeld.Equal(d("700000")))
	assert.True(t, w.TotalHeld.Equal(d("1000000")))
	assert.True(t, w.ReleasedAmount.Equal(d("1000000")))
	assert.True(t, w.RefundedAmount.IsZero())
	assert.True(t, w.Available().IsZero())
	assert.Equal(t, int64(4), w.SequenceNo)
	assert.True(t, w.TotalHeld.Equal(w.DepositHeld.Add(w.FinalPaymentHeld)))
}

func TestApplyInsufficientFunds(t *testing.T) {
	w, err := Apply(newWallet(), tx(1, ledger.TypeDepositIn, "300000"))
	require.NoError(t, err)

	_, err = Apply(w, tx(2, ledger.TypeRefundOut, "-300001"))
	var insufficient *apperr.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "300000", insufficient.Available)

	// failed fold leaves the input untouched
	assert.True(t, w.RefundedAmount.IsZero())
	assert.Equal(t, int64(1), w.SequenceNo)
}

func TestApplyNegativeAdjustmentCannotOverdraw(t *testing.T) {
	w, err := Apply(newWallet(), tx(1, ledger.TypeDepositIn, "300000"))
	require.NoError(t, err)

	w2, err := Apply(w, tx(2, ledger.TypeAdjustment, "-100000"))
	require.NoError(t, err)
	assert.True(t, w2.Available().Equal(d("200000")))

	_, err = Apply(w2, tx(3, ledger.TypeAdjustment, "-200001"))
	assert.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))
}

func TestApplyDisputeMarkersFlipStatus(t *testing.T) {
	w, err := Apply(newWallet(), tx(1, ledger.TypeDepositIn, "300000"))
	require.NoError(t, err)
	w.Status = StatusDepositHeld

	held, err := Apply(w, tx(2, ledger.TypeDisputeHold, "300000"))
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, held.Status)
	assert.Equal(t, StatusDepositHeld, held.PreDisputeStatus)
	assert.True(t, held.Available().Equal(d("300000")))

	released, err := Apply(held, tx(3, ledger.TypeDisputeRelease, "300000"))
	require.NoError(t, err)
	assert.Equal(t, StatusDepositHeld, released.Status)
	assert.Empty(t, released.PreDisputeStatus)
}

func TestApplySkipsIncompleteTransactions(t *testing.T) {
	pending := tx(1, ledger.TypeDepositIn, "300000")
	pending.Status = ledger.StatusFailed

	w, err := Apply(newWallet(), pending)
	require.NoError(t, err)
	assert.True(t, w.TotalHeld.IsZero())
	assert.Equal(t, int64(1), w.SequenceNo)
}

func TestReplayMatchesIncrementalFold(t *testing.T) {
	log := []*ledger.Transaction{
		tx(1, ledger.TypeDepositIn, "300000"),
		tx(2, ledger.TypeFinalPaymentIn, "700000"),
		tx(3, ledger.TypeDisputeHold, "1000000"),
		tx(4, ledger.TypeDisputeRelease, "1000000"),
		tx(5, ledger.TypePartialRefundOut, "-500000"),
		tx(6, ledger.TypeCompensationOut, "-475000"),
		tx(7, ledger.TypeCommissionDeduct, "-25000"),
	}

	w := newWallet()
	for _, s := range log {
		next, err := Apply(w, s)
		require.NoError(t, err)
		w = next
	}

	replayed, err := Replay("order-1", log)
	require.NoError(t, err)
	assert.True(t, replayed.Balances.Equal(w.Balances))
	assert.Equal(t, int64(7), replayed.SequenceNo)
	assert.True(t, replayed.Available().IsZero())
	assert.True(t, replayed.Available().Equal(ledger.Net(log)))
}

func TestReplayFailsOnOverdraw(t *testing.T) {
	_, err := Replay("order-1", []*ledger.Transaction{
		tx(1, ledger.TypeDepositIn, "100"),
		tx(2, ledger.TypeSellerPayout, "-200"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence 2")
}

func TestCloneIsDeep(t *testing.T) {
	w := newWallet()
	c := w.Clone()
	c.SetCondition(ConditionDeliveryConfirmed, true, now)
	assert.False(t, w.ReleaseConditions[ConditionDeliveryConfirmed])
	assert.Empty(t, w.ConditionSetAt)
}
