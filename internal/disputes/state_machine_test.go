package disputes

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/payout"
	"github.com/example/preorder-escrow/internal/policy"
	"github.com/example/preorder-escrow/internal/settlement"
	"github.com/example/preorder-escrow/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	event  = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	opened = event.AddDate(0, 0, -5)
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	ev, err := policy.NewEvaluator([]policy.Tier{
		{DaysBeforeEvent: 14, PenaltyPercent: d("0")},
		{DaysBeforeEvent: 7, PenaltyPercent: d("20")},
		{DaysBeforeEvent: 0, PenaltyPercent: d("50")},
	}, 0)
	require.NoError(t, err)
	calc, err := payout.NewCalculator(d("0.05"), nil, 0)
	require.NoError(t, err)
	return NewManager(settlement.NewSettler(ev, calc))
}

func heldWallet() *wallet.Wallet {
	w := wallet.New(wallet.Params{
		OrderID: "order-1", SellerID: "farm-7",
		DepositAmount: d("300000"), FinalAmount: d("700000"), EventDate: event,
	}, event.AddDate(0, -2, 0))
	w.DepositHeld, w.FinalPaymentHeld, w.TotalHeld = d("300000"), d("700000"), d("1000000")
	w.Status = wallet.StatusFullyHeld
	return w
}

func TestAllowedTransitions(t *testing.T) {
	assert.True(t, IsValidTransition(CaseOpen, CaseResolved))
	assert.False(t, IsValidTransition(CaseResolved, CaseOpen))
	assert.False(t, IsValidTransition(CaseResolved, CaseResolved))
	assert.Empty(t, AllowedTransitions()[CaseResolved])
}

func TestOpenFreezesHeldAmount(t *testing.T) {
	m := newManager(t)
	c, entry, err := m.Open(heldWallet(), nil, OpenRequest{
		OrderID: "order-1", ReasonCode: "quality_issue", Reason: "mangoes bruised", OpenedBy: "buyer-1",
		Metadata: map[string]any{"phone": "+84 912 345 678"},
	}, opened)
	require.NoError(t, err)

	assert.Equal(t, CaseOpen, c.Status)
	assert.True(t, c.HeldAmount.Equal(d("1000000")))
	assert.Equal(t, "***-***-5678", c.Metadata["phone"])
	assert.Equal(t, ledger.TypeDisputeHold, entry.Type)
	assert.True(t, entry.Amount.Equal(d("1000000")))
}

func TestOpenRejectsSecondDispute(t *testing.T) {
	m := newManager(t)
	w := heldWallet()
	w.Status = wallet.StatusDisputed

	_, _, err := m.Open(w, &Case{Status: CaseOpen}, OpenRequest{ReasonCode: "other", OpenedBy: "buyer-1"}, opened)
	var active *apperr.DisputeActiveError
	assert.True(t, errors.As(err, &active))
}

func TestOpenRejectsEmptyWallet(t *testing.T) {
	w := wallet.New(wallet.Params{OrderID: "order-2", DepositAmount: d("1"), FinalAmount: d("1"), EventDate: event}, opened)
	_, _, err := newManager(t).Open(w, nil, OpenRequest{ReasonCode: "other", OpenedBy: "buyer-1"}, opened)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestOpenRejectsUnknownReason(t *testing.T) {
	_, _, err := newManager(t).Open(heldWallet(), nil, OpenRequest{ReasonCode: "10.4", OpenedBy: "buyer-1"}, opened)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func openCase(t *testing.T, m *Manager) (*wallet.Wallet, *Case) {
	t.Helper()
	w := heldWallet()
	c, _, err := m.Open(w, nil, OpenRequest{ReasonCode: "not_delivered", OpenedBy: "buyer-1"}, opened)
	require.NoError(t, err)
	c.HoldSeq = 3
	w.PreDisputeStatus = w.Status
	w.Status = wallet.StatusDisputed
	return w, c
}

func TestResolveOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		req     ResolveRequest
		status  wallet.Status
		refund  string
		retains string
	}{
		{"refund buyer", ResolveRequest{Outcome: ResolutionRefundBuyer, ResolvedBy: "ops-1"}, wallet.StatusRefunded, "1000000", "0"},
		{"release to seller", ResolveRequest{Outcome: ResolutionReleaseToSeller, ResolvedBy: "ops-1"}, wallet.StatusReleasedToSeller, "0", "1000000"},
		{"split by tiers", ResolveRequest{Outcome: ResolutionSplit, ResolvedBy: "ops-1"}, wallet.StatusPartialRefunded, "500000", "500000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newManager(t)
			w, c := openCase(t, m)

			marker, plan, err := m.Resolve(w, c, tc.req)
			require.NoError(t, err)
			assert.Equal(t, ledger.TypeDisputeRelease, marker.Type)
			assert.Equal(t, int64(3), marker.ReferenceSeq)
			assert.Equal(t, tc.status, plan.Status)
			assert.Equal(t, "1000000", plan.Total().String())

			c.Close(tc.req, plan, 4, opened.Add(time.Hour))
			assert.Equal(t, CaseResolved, c.Status)
			assert.Equal(t, tc.refund, c.RefundAmount.String())
			assert.Equal(t, tc.retains, c.PenaltyAmount.String())
		})
	}
}

func TestResolveSplitWithOperatorAmounts(t *testing.T) {
	m := newManager(t)
	w, c := openCase(t, m)
	refund, penalty := d("700000"), d("300000")

	_, plan, err := m.Resolve(w, c, ResolveRequest{Outcome: ResolutionSplit, RefundAmount: &refund, PenaltyAmount: &penalty, ResolvedBy: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, wallet.StatusPartialRefunded, plan.Status)

	bad := d("100")
	_, _, err = m.Resolve(w, c, ResolveRequest{Outcome: ResolutionSplit, RefundAmount: &refund, PenaltyAmount: &bad, ResolvedBy: "ops-1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, err = m.Resolve(w, c, ResolveRequest{Outcome: ResolutionSplit, RefundAmount: &refund, ResolvedBy: "ops-1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestResolveRequiresOpenDispute(t *testing.T) {
	m := newManager(t)
	w, c := openCase(t, m)
	c.Status = CaseResolved

	_, _, err := m.Resolve(w, c, ResolveRequest{Outcome: ResolutionRefundBuyer, ResolvedBy: "ops-1"})
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	_, _, err = m.Resolve(heldWallet(), &Case{Status: CaseOpen}, ResolveRequest{Outcome: ResolutionRefundBuyer, ResolvedBy: "ops-1"})
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	m := newManager(t)
	w, c := openCase(t, m)
	_, _, err := m.Resolve(w, c, ResolveRequest{Outcome: "coin_flip", ResolvedBy: "ops-1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
