// Package wallet holds the per-order escrow aggregate. A Wallet is a
// materialized view of the order's ledger: balances only change by folding
// transactions through Apply.
package wallet

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the escrow lifecycle state of a wallet.
type Status string

const (
	StatusPendingDeposit   Status = "pending_deposit"
	StatusDepositHeld      Status = "deposit_held"
	StatusPendingFinal     Status = "pending_final"
	StatusFullyHeld        Status = "fully_held"
	StatusReleasedToSeller Status = "released_to_seller"
	StatusRefunded         Status = "refunded"
	StatusPartialRefunded  Status = "partial_refunded"
	StatusDisputed         Status = "disputed"
	StatusCancelled        Status = "cancelled"
)

// Statuses lists every wallet status.
func Statuses() []Status {
	return []Status{
		StatusPendingDeposit, StatusDepositHeld, StatusPendingFinal, StatusFullyHeld,
		StatusReleasedToSeller, StatusRefunded, StatusPartialRefunded, StatusDisputed, StatusCancelled,
	}
}

func (s Status) Valid() bool {
	for _, v := range Statuses() {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further value movement is possible, apart from
// operator adjustments.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleasedToSeller, StatusRefunded, StatusPartialRefunded, StatusCancelled:
		return true
	}
	return false
}

// Release condition names understood by the auto-release scan.
const (
	ConditionDeliveryConfirmed    = "delivery_confirmed"
	ConditionDisputeWindowElapsed = "dispute_window_elapsed"
)

// Balances are the amounts derived from the ledger.
type Balances struct {
	DepositHeld      decimal.Decimal `json:"deposit_held"`
	FinalPaymentHeld decimal.Decimal `json:"final_payment_held"`
	TotalHeld        decimal.Decimal `json:"total_held"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	ReleasedAmount   decimal.Decimal `json:"released_amount"`
	AdjustmentAmount decimal.Decimal `json:"adjustment_amount"`
}

// Available is what is still in custody.
func (b Balances) Available() decimal.Decimal {
	return b.TotalHeld.Add(b.AdjustmentAmount).Sub(b.RefundedAmount).Sub(b.ReleasedAmount)
}

// Equal compares every balance field.
func (b Balances) Equal(o Balances) bool {
	return b.DepositHeld.Equal(o.DepositHeld) &&
		b.FinalPaymentHeld.Equal(o.FinalPaymentHeld) &&
		b.TotalHeld.Equal(o.TotalHeld) &&
		b.RefundedAmount.Equal(o.RefundedAmount) &&
		b.ReleasedAmount.Equal(o.ReleasedAmount) &&
		b.AdjustmentAmount.Equal(o.AdjustmentAmount)
}

// Wallet is the escrow aggregate for one order.
type Wallet struct {
	OrderID         string          `json:"order_id"`
	SellerID        string          `json:"seller_id,omitempty"`
	ExpectedDeposit decimal.Decimal `json:"expected_deposit"`
	ExpectedFinal   decimal.Decimal `json:"expected_final"`
	Balances
	Status            Status               `json:"status"`
	PreDisputeStatus  Status               `json:"pre_dispute_status,omitempty"`
	ReleaseConditions map[string]bool      `json:"release_conditions"`
	ConditionSetAt    map[string]time.Time `json:"condition_set_at,omitempty"`
	EventDate         time.Time            `json:"event_date"`
	SequenceNo        int64                `json:"sequence_no"`
	LastHash          string               `json:"last_hash,omitempty"`
	IntegrityHalted   bool                 `json:"integrity_halted"`
	HaltReason        string               `json:"halt_reason,omitempty"`
	FullyHeldAt       *time.Time           `json:"fully_held_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Params describe a new wallet.
type Params struct {
	OrderID            string
	SellerID           string
	DepositAmount      decimal.Decimal
	FinalAmount        decimal.Decimal
	EventDate          time.Time
	RequiredConditions []string
}

// New returns a wallet in pending_deposit with every required release
// condition unset.
func New(p Params, now time.Time) *Wallet {
	conds := make(map[string]bool, len(p.RequiredConditions))
	for _, c := range p.RequiredConditions {
		conds[c] = false
	}
	now = now.UTC()
	return &Wallet{
		OrderID:         p.OrderID,
		SellerID:        p.SellerID,
		ExpectedDeposit: p.DepositAmount,
		ExpectedFinal:   p.FinalAmount,
		Balances: Balances{
			DepositHeld:      decimal.Zero,
			FinalPaymentHeld: decimal.Zero,
			TotalHeld:        decimal.Zero,
			RefundedAmount:   decimal.Zero,
			ReleasedAmount:   decimal.Zero,
			AdjustmentAmount: decimal.Zero,
		},
		Status:            StatusPendingDeposit,
		ReleaseConditions: conds,
		ConditionSetAt:    map[string]time.Time{},
		EventDate:         p.EventDate.UTC(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// OrderAmount is the full pre-order price.
func (w *Wallet) OrderAmount() decimal.Decimal {
	return w.ExpectedDeposit.Add(w.ExpectedFinal)
}

// RemainingFinal is the final payment still owed.
func (w *Wallet) RemainingFinal() decimal.Decimal {
	return w.ExpectedFinal.Sub(w.FinalPaymentHeld)
}

// MissingConditions returns the release conditions that are not yet true,
// sorted by name.
func (w *Wallet) MissingConditions() []string {
	var missing []string
	for name, ok := range w.ReleaseConditions {
		if !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// SetCondition records a release gate and when it changed.
func (w *Wallet) SetCondition(name string, value bool, at time.Time) {
	if w.ReleaseConditions == nil {
		w.ReleaseConditions = map[string]bool{}
	}
	if w.ConditionSetAt == nil {
		w.ConditionSetAt = map[string]time.Time{}
	}
	w.ReleaseConditions[name] = value
	if value {
		w.ConditionSetAt[name] = at.UTC()
	} else {
		delete(w.ConditionSetAt, name)
	}
}

// Clone returns a deep copy.
func (w *Wallet) Clone() *Wallet {
	c := *w
	c.ReleaseConditions = make(map[string]bool, len(w.ReleaseConditions))
	for k, v := range w.ReleaseConditions {
		c.ReleaseConditions[k] = v
	}
	c.ConditionSetAt = make(map[string]time.Time, len(w.ConditionSetAt))
	for k, v := range w.ConditionSetAt {
		c.ConditionSetAt[k] = v
	}
	if w.FullyHeldAt != nil {
		t := *w.FullyHeldAt
		c.FullyHeldAt = &t
	}
	return &c
}
