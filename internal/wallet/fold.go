package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
)

// Apply folds one transaction into a copy of w. The input wallet is left
// untouched so a failed fold never leaves partial state behind.
func Apply(w *Wallet, t *ledger.Transaction) (*Wallet, error) {
	if t.OrderID != w.OrderID {
		return nil, fmt.Errorf("transaction for order %s applied to wallet %s", t.OrderID, w.OrderID)
	}
	if err := ledger.ValidateSign(t.Type, t.Amount); err != nil {
		return nil, apperr.Invalid("amount", "%s", err.Error())
	}

	next := w.Clone()
	if t.SequenceNo > next.SequenceNo {
		next.SequenceNo = t.SequenceNo
		next.LastHash = t.Hash
	}
	if !t.Completed() {
		return next, nil
	}

	switch {
	case t.Type == ledger.TypeDepositIn:
		next.DepositHeld = next.DepositHeld.Add(t.Amount)
		next.TotalHeld = next.TotalHeld.Add(t.Amount)

	case t.Type == ledger.TypeFinalPaymentIn:
		next.FinalPaymentHeld = next.FinalPaymentHeld.Add(t.Amount)
		next.TotalHeld = next.TotalHeld.Add(t.Amount)

	case t.Type.IsOutflow():
		out := t.Amount.Neg()
		if out.GreaterThan(next.Available()) {
			return nil, &apperr.InsufficientFundsError{
				OrderID:   w.OrderID,
				Requested: out.String(),
				Available: next.Available().String(),
			}
		}
		if t.Type.IsRefund() {
			next.RefundedAmount = next.RefundedAmount.Add(out)
		} else {
			next.ReleasedAmount = next.ReleasedAmount.Add(out)
		}

	case t.Type == ledger.TypeAdjustment:
		next.AdjustmentAmount = next.AdjustmentAmount.Add(t.Amount)
		if next.Available().IsNegative() {
			return nil, &apperr.InsufficientFundsError{
				OrderID:   w.OrderID,
				Requested: t.Amount.Neg().String(),
				Available: w.Available().String(),
			}
		}

	case t.Type == ledger.TypeDisputeHold:
		next.PreDisputeStatus = next.Status
		next.Status = StatusDisputed

	case t.Type == ledger.TypeDisputeRelease:
		if next.PreDisputeStatus != "" {
			next.Status = next.PreDisputeStatus
		}
		next.PreDisputeStatus = ""
	}
	return next, nil
}

// Replayed is the result of folding a full log from scratch.
type Replayed struct {
	Balances
	SequenceNo int64
	LastHash   string
}

// Replay rebuilds balances from an order's transactions in sequence order.
func Replay(orderID string, txs []*ledger.Transaction) (*Replayed, error) {
	w := &Wallet{
		OrderID: orderID,
		Balances: Balances{
			DepositHeld:      decimal.Zero,
			FinalPaymentHeld: decimal.Zero,
			TotalHeld:        decimal.Zero,
			RefundedAmount:   decimal.Zero,
			ReleasedAmount:   decimal.Zero,
			AdjustmentAmount: decimal.Zero,
		},
	}
	for _, t := range txs {
		next, err := Apply(w, t)
		if err != nil {
			return nil, fmt.Errorf("replay failed at sequence %d: %w", t.SequenceNo, err)
		}
		w = next
	}
	return &Replayed{Balances: w.Balances, SequenceNo: w.SequenceNo, LastHash: w.LastHash}, nil
}
