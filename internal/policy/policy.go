// Package policy evaluates cancellation tiers. Evaluation is a pure function
// of the tier table, the amounts and the two timestamps.
package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// Tier forfeits PenaltyPercent of the order amount when a cancellation comes
// more than DaysBeforeEvent days ahead of the event. A lead time landing
// exactly on a boundary belongs to the tier closer to the event. A zero-day
// tier is the floor and also covers cancellations on the event day.
type Tier struct {
	DaysBeforeEvent int             `json:"days_before_event"`
	PenaltyPercent  decimal.Decimal `json:"penalty_percent"`
}

// Evaluator applies a validated, ordered tier table.
type Evaluator struct {
	tiers []Tier
	scale int32
}

// NewEvaluator validates tiers and orders them by lead time, longest first.
// Ties on lead time put the higher penalty first. Amounts are rounded to
// scale decimal places.
func NewEvaluator(tiers []Tier, scale int32) (*Evaluator, error) {
	if len(tiers) == 0 {
		return nil, errors.New("cancellation policy needs at least one tier")
	}
	if scale < 0 {
		return nil, fmt.Errorf("currency scale must not be negative, got %d", scale)
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	for _, t := range sorted {
		if t.DaysBeforeEvent < 0 {
			return nil, fmt.Errorf("tier days_before_event must not be negative, got %d", t.DaysBeforeEvent)
		}
		if t.PenaltyPercent.IsNegative() || t.PenaltyPercent.GreaterThan(hundred) {
			return nil, fmt.Errorf("tier penalty_percent must be within 0-100, got %s", t.PenaltyPercent)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DaysBeforeEvent != sorted[j].DaysBeforeEvent {
			return sorted[i].DaysBeforeEvent > sorted[j].DaysBeforeEvent
		}
		return sorted[i].PenaltyPercent.GreaterThan(sorted[j].PenaltyPercent)
	})
	return &Evaluator{tiers: sorted, scale: scale}, nil
}

// Tiers returns the ordered table.
func (e *Evaluator) Tiers() []Tier {
	out := make([]Tier, len(e.tiers))
	copy(out, e.tiers)
	return out
}

// Scale is the currency scale amounts are rounded to.
func (e *Evaluator) Scale() int32 { return e.scale }

// Request is one cancellation to evaluate.
type Request struct {
	OrderAmount decimal.Decimal
	HeldAmount  decimal.Decimal
	CancelledAt time.Time
	EventDate   time.Time
}

// Outcome is the split of the held amount.
type Outcome struct {
	Tier             Tier            `json:"tier"`
	LeadDays         int             `json:"lead_days"`
	Penalty          decimal.Decimal `json:"penalty"`
	Refund           decimal.Decimal `json:"refund"`
	PenaltyCollected decimal.Decimal `json:"penalty_collected"`
}

// LeadDays is the number of whole days between cancellation and event,
// never negative.
func LeadDays(cancelledAt, eventDate time.Time) int {
	lead := eventDate.Sub(cancelledAt)
	if lead <= 0 {
		return 0
	}
	return int(math.Floor(lead.Hours() / 24))
}

// Match returns the tier applying to a lead time. When the lead time is
// shorter than every tier the strictest tier applies.
func (e *Evaluator) Match(leadDays int) Tier {
	for _, t := range e.tiers {
		if leadDays > t.DaysBeforeEvent || (t.DaysBeforeEvent == 0 && leadDays == 0) {
			return t
		}
	}
	strictest := e.tiers[0]
	for _, t := range e.tiers[1:] {
		if t.PenaltyPercent.GreaterThan(strictest.PenaltyPercent) {
			strictest = t
		}
	}
	return strictest
}

// Evaluate splits the held amount into refund and retained penalty.
func (e *Evaluator) Evaluate(req Request) Outcome {
	lead := LeadDays(req.CancelledAt, req.EventDate)
	tier := e.Match(lead)

	penalty := req.OrderAmount.Mul(tier.PenaltyPercent).Div(hundred).Round(e.scale)
	refund := req.HeldAmount.Sub(penalty)
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	if refund.GreaterThan(req.HeldAmount) {
		refund = req.HeldAmount
	}
	return Outcome{
		Tier:             tier,
		LeadDays:         lead,
		Penalty:          penalty,
		Refund:           refund,
		PenaltyCollected: req.HeldAmount.Sub(refund),
	}
}

// ValidateSplit checks an operator-supplied split of held.
func ValidateSplit(held, refund, penalty decimal.Decimal) error {
	if refund.IsNegative() {
		return apperr.Invalid("refund_amount", "must not be negative")
	}
	if penalty.IsNegative() {
		return apperr.Invalid("penalty_amount", "must not be negative")
	}
	if !refund.Add(penalty).Equal(held) {
		return apperr.Invalid("refund_amount", "refund %s plus penalty %s must equal held amount %s", refund, penalty, held)
	}
	return nil
}
