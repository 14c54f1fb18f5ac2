// Package settlement turns a wallet and a decision into the ledger entries
// that drain it: refunds by cancellation tier, seller payouts with commission,
// and operator splits.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/payout"
	"github.com/example/preorder-escrow/internal/policy"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Plan is the set of entries a command appends and the status the wallet
// ends in. Entries carry no idempotency keys yet; the engine assigns them.
type Plan struct {
	Entries []ledger.Entry
	Status  wallet.Status
	Outcome *policy.Outcome
	Split   *payout.Split
}

// Settler builds plans from the refund policy and commission rates.
type Settler struct {
	policy *policy.Evaluator
	payout *payout.Calculator
}

func NewSettler(p *policy.Evaluator, c *payout.Calculator) *Settler {
	return &Settler{policy: p, payout: c}
}

// Release pays everything still held to the seller, net of commission.
func (s *Settler) Release(w *wallet.Wallet, reason string) Plan {
	split := s.payout.Split(w.SellerID, w.Available())
	plan := Plan{Status: wallet.StatusReleasedToSeller, Split: &split}
	plan.Entries = appendNonZero(plan.Entries, ledger.TypeSellerPayout, split.SellerRevenue, reason)
	plan.Entries = appendNonZero(plan.Entries, ledger.TypeCommissionDeduct, split.Commission, reason)
	return plan
}

// Refund evaluates the cancellation tier at cancelledAt and refunds the buyer
// share. The retained penalty goes to the seller as compensation, net of
// commission.
func (s *Settler) Refund(w *wallet.Wallet, cancelledAt time.Time, reason string) Plan {
	out := s.policy.Evaluate(policy.Request{
		OrderAmount: w.OrderAmount(),
		HeldAmount:  w.Available(),
		CancelledAt: cancelledAt,
		EventDate:   w.EventDate,
	})
	plan := s.split(w, out.Refund, out.PenaltyCollected, reason)
	plan.Outcome = &out
	return plan
}

// RefundAll returns everything held to the buyer.
func (s *Settler) RefundAll(w *wallet.Wallet, reason string) Plan {
	return s.split(w, w.Available(), decimal.Zero, reason)
}

// Split applies an operator-decided split. refund plus penalty must equal
// the held amount.
func (s *Settler) Split(w *wallet.Wallet, refund, penalty decimal.Decimal, reason string) (Plan, error) {
	if err := policy.ValidateSplit(w.Available(), refund, penalty); err != nil {
		return Plan{}, err
	}
	return s.split(w, refund, penalty, reason), nil
}

func (s *Settler) split(w *wallet.Wallet, refund, penalty decimal.Decimal, reason string) Plan {
	plan := Plan{Status: wallet.StatusRefunded}
	if penalty.IsPositive() {
		plan.Status = wallet.StatusPartialRefunded
		plan.Entries = appendNonZero(plan.Entries, ledger.TypePartialRefundOut, refund, reason)
		split := s.payout.Split(w.SellerID, penalty)
		plan.Split = &split
		plan.Entries = appendNonZero(plan.Entries, ledger.TypeCompensationOut, split.SellerRevenue, reason)
		plan.Entries = appendNonZero(plan.Entries, ledger.TypeCommissionDeduct, split.Commission, reason)
		return plan
	}
	plan.Entries = appendNonZero(plan.Entries, ledger.TypeRefundOut, refund, reason)
	return plan
}

func appendNonZero(entries []ledger.Entry, typ ledger.Type, amount decimal.Decimal, reason string) []ledger.Entry {
	if amount.IsZero() {
		return entries
	}
	return append(entries, ledger.Entry{Type: typ, Amount: amount.Neg(), Reason: reason})
}

// Total is the absolute value moved out by the plan.
func (p Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range p.Entries {
		total = total.Add(e.Amount.Abs())
	}
	return total
}
