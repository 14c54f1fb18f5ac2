package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validator checks the invariants of an order's transaction log.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	OrderID        string         `json:"order_id,omitempty"`
	SequenceNo     int64          `json:"sequence_no,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

func (v *Validator) result(kind, orderID string, seq int64, ok bool, msg string) *ValidationResult {
	return &ValidationResult{
		IsValid:        ok,
		ValidationType: kind,
		Message:        msg,
		OrderID:        orderID,
		SequenceNo:     seq,
		Timestamp:      v.now(),
	}
}

// ValidateSequence checks that sequence numbers start at one and have no gaps.
func (v *Validator) ValidateSequence(orderID string, txs []*Transaction) *ValidationResult {
	for i, t := range txs {
		if want := int64(i + 1); t.SequenceNo != want {
			r := v.result("sequence_continuity", orderID, t.SequenceNo, false,
				fmt.Sprintf("expected sequence %d, found %d", want, t.SequenceNo))
			r.Details = map[string]any{"expected": want, "actual": t.SequenceNo}
			return r
		}
		if t.OrderID != orderID {
			return v.result("sequence_continuity", orderID, t.SequenceNo, false,
				fmt.Sprintf("transaction belongs to order %s", t.OrderID))
		}
	}
	return v.result("sequence_continuity", orderID, 0, true, fmt.Sprintf("%d transactions in sequence", len(txs)))
}

// ValidateHashChain checks that no entry has been altered since it was sealed.
func (v *Validator) ValidateHashChain(orderID string, txs []*Transaction) *ValidationResult {
	if seq := VerifyChain(txs); seq != 0 {
		return v.result("hash_chain", orderID, seq, false, fmt.Sprintf("hash chain broken at sequence %d", seq))
	}
	return v.result("hash_chain", orderID, 0, true, "hash chain intact")
}

// ValidateSigns checks every amount against its transaction type.
func (v *Validator) ValidateSigns(orderID string, txs []*Transaction) *ValidationResult {
	for _, t := range txs {
		if err := ValidateSign(t.Type, t.Amount); err != nil {
			return v.result("amount_sign", orderID, t.SequenceNo, false, err.Error())
		}
	}
	return v.result("amount_sign", orderID, 0, true, "amount signs match transaction types")
}

// ValidateBalanceContinuity replays the signed amounts and checks each
// recorded balance_after, and that the running balance never goes negative.
func (v *Validator) ValidateBalanceContinuity(orderID string, txs []*Transaction) *ValidationResult {
	running := decimal.Zero
	for _, t := range txs {
		running = running.Add(t.SignedValue())
		if running.IsNegative() {
			r := v.result("balance_continuity", orderID, t.SequenceNo, false,
				fmt.Sprintf("balance negative after sequence %d", t.SequenceNo))
			r.Details = map[string]any{"running_balance": running.String()}
			return r
		}
		if t.Completed() && !t.BalanceAfter.Equal(running) {
			r := v.result("balance_continuity", orderID, t.SequenceNo, false,
				fmt.Sprintf("balance_after %s does not match replayed balance %s", t.BalanceAfter, running))
			r.Details = map[string]any{"recorded": t.BalanceAfter.String(), "replayed": running.String()}
			return r
		}
	}
	r := v.result("balance_continuity", orderID, 0, true, "recorded balances match replay")
	r.Details = map[string]any{"balance": running.String()}
	return r
}

// ValidateIdempotencyKeys checks that no key appears twice for the order.
func (v *Validator) ValidateIdempotencyKeys(orderID string, txs []*Transaction) *ValidationResult {
	seen := make(map[string]int64, len(txs))
	for _, t := range txs {
		if first, ok := seen[t.IdempotencyKey]; ok {
			return v.result("idempotency_keys", orderID, t.SequenceNo, false,
				fmt.Sprintf("idempotency key %q already used at sequence %d", t.IdempotencyKey, first))
		}
		seen[t.IdempotencyKey] = t.SequenceNo
	}
	return v.result("idempotency_keys", orderID, 0, true, "idempotency keys unique")
}

// ComprehensiveValidation runs every log-level check for one order.
func (v *Validator) ComprehensiveValidation(orderID string, txs []*Transaction) []*ValidationResult {
	return []*ValidationResult{
		v.ValidateSequence(orderID, txs),
		v.ValidateHashChain(orderID, txs),
		v.ValidateSigns(orderID, txs),
		v.ValidateBalanceContinuity(orderID, txs),
		v.ValidateIdempotencyKeys(orderID, txs),
	}
}

// AllValid reports whether every result passed.
func AllValid(results []*ValidationResult) bool {
	for _, r := range results {
		if !r.IsValid {
			return false
		}
	}
	return true
}
