package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the kind of movement a transaction records.
type Type string

const (
	TypeDepositIn        Type = "deposit_in"
	TypeFinalPaymentIn   Type = "final_payment_in"
	TypeRefundOut        Type = "refund_out"
	TypePartialRefundOut Type = "partial_refund_out"
	TypeSellerPayout     Type = "seller_payout"
	TypeCommissionDeduct Type = "commission_deduct"
	TypeCompensationOut  Type = "compensation_out"
	TypeDisputeHold      Type = "dispute_hold"
	TypeDisputeRelease   Type = "dispute_release"
	TypeAdjustment       Type = "adjustment"
)

// Types lists every transaction type.
func Types() []Type {
	return []Type{
		TypeDepositIn, TypeFinalPaymentIn, TypeRefundOut, TypePartialRefundOut,
		TypeSellerPayout, TypeCommissionDeduct, TypeCompensationOut,
		TypeDisputeHold, TypeDisputeRelease, TypeAdjustment,
	}
}

func (t Type) Valid() bool {
	for _, v := range Types() {
		if v == t {
			return true
		}
	}
	return false
}

// IsInflow reports whether t brings customer money into custody.
func (t Type) IsInflow() bool {
	return t == TypeDepositIn || t == TypeFinalPaymentIn
}

// IsOutflow reports whether t moves money out of custody.
func (t Type) IsOutflow() bool {
	switch t {
	case TypeRefundOut, TypePartialRefundOut, TypeSellerPayout, TypeCommissionDeduct, TypeCompensationOut:
		return true
	}
	return false
}

// IsRefund reports whether t returns money to the buyer.
func (t Type) IsRefund() bool {
	return t == TypeRefundOut || t == TypePartialRefundOut
}

// MovesValue reports whether t changes the wallet balance. Dispute markers
// record the frozen amount for audit only.
func (t Type) MovesValue() bool {
	return t != TypeDisputeHold && t != TypeDisputeRelease
}

// Status is the processing state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Transaction is an immutable ledger entry keyed by (OrderID, SequenceNo).
type Transaction struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	SequenceNo     int64           `json:"sequence_no"`
	Type           Type            `json:"transaction_type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	ReferenceSeq   int64           `json:"reference_seq,omitempty"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Completed reports whether the transaction participates in the balance fold.
func (t *Transaction) Completed() bool {
	return t.Status == StatusCompleted
}

// SignedValue is the transaction's contribution to the available balance.
func (t *Transaction) SignedValue() decimal.Decimal {
	if !t.Completed() || !t.Type.MovesValue() {
		return decimal.Zero
	}
	return t.Amount
}

// sealPayload is the canonical text hashed into the chain.
func (t *Transaction) sealPayload() string {
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s|%s|%s|%d",
		t.OrderID, t.SequenceNo, t.Type, t.Amount.String(), t.BalanceAfter.String(),
		t.Status, t.IdempotencyKey, t.Reason, t.Actor, t.ReferenceSeq)
}

// ValidateSign checks that the amount sign matches the transaction type.
func ValidateSign(typ Type, amount decimal.Decimal) error {
	switch {
	case !typ.Valid():
		return fmt.Errorf("unknown transaction type %q", typ)
	case typ.IsInflow() && !amount.IsPositive():
		return fmt.Errorf("%s amount must be positive, got %s", typ, amount)
	case typ.IsOutflow() && !amount.IsNegative():
		return fmt.Errorf("%s amount must be negative, got %s", typ, amount)
	case !typ.MovesValue() && amount.IsNegative():
		return fmt.Errorf("%s amount must not be negative, got %s", typ, amount)
	case typ == TypeAdjustment && amount.IsZero():
		return fmt.Errorf("adjustment amount must not be zero")
	}
	return nil
}
