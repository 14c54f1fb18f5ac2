package disputes

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/settlement"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Manager places and lifts dispute holds. It only plans: the escrow engine
// appends the returned entries inside the order's critical section.
type Manager struct {
	settler *settlement.Settler
}

func NewManager(s *settlement.Settler) *Manager {
	return &Manager{settler: s}
}

// OpenRequest opens a dispute on an order.
type OpenRequest struct {
	OrderID    string         `json:"order_id"`
	ReasonCode string         `json:"reason_code"`
	Reason     string         `json:"reason"`
	OpenedBy   string         `json:"opened_by"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ResolveRequest closes a dispute. RefundAmount and PenaltyAmount are only
// read for split outcomes; when both are nil the cancellation tiers decide.
type ResolveRequest struct {
	OrderID       string           `json:"order_id"`
	Outcome       Resolution       `json:"outcome"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	PenaltyAmount *decimal.Decimal `json:"penalty_amount,omitempty"`
	ResolvedBy    string           `json:"resolved_by"`
	Note          string           `json:"note,omitempty"`
}

// Open validates the request against the wallet and returns the new case and
// the dispute_hold entry freezing everything currently held.
func (m *Manager) Open(w *wallet.Wallet, existing *Case, req OpenRequest, now time.Time) (*Case, ledger.Entry, error) {
	if existing.IsOpen() || w.Status == wallet.StatusDisputed {
		return nil, ledger.Entry{}, &apperr.DisputeActiveError{OrderID: w.OrderID, Command: "open_dispute"}
	}
	if _, err := ValidateReasonCode(req.ReasonCode); err != nil {
		return nil, ledger.Entry{}, apperr.Invalid("reason_code", "%s", err.Error())
	}
	if req.OpenedBy == "" {
		return nil, ledger.Entry{}, apperr.Invalid("opened_by", "is required")
	}
	if w.Status.Terminal() || !w.Available().IsPositive() {
		return nil, ledger.Entry{}, &apperr.InvalidTransitionError{
			OrderID: w.OrderID, From: string(w.Status), Command: "open_dispute", Detail: "no funds are held",
		}
	}

	held := w.Available()
	c := &Case{
		OrderID:    w.OrderID,
		Status:     CaseOpen,
		ReasonCode: req.ReasonCode,
		Reason:     req.Reason,
		OpenedBy:   req.OpenedBy,
		OpenedAt:   now.UTC(),
		HeldAmount: held,
		Metadata:   MaskPII(req.Metadata),
	}
	entry := ledger.Entry{
		Type:   ledger.TypeDisputeHold,
		Amount: held,
		Reason: req.ReasonCode + ": " + req.Reason,
		Actor:  req.OpenedBy,
	}
	return c, entry, nil
}

// Resolve returns the dispute_release marker and the settlement plan for the
// outcome. The case is updated in place once the caller commits.
func (m *Manager) Resolve(w *wallet.Wallet, c *Case, req ResolveRequest) (ledger.Entry, settlement.Plan, error) {
	if w.Status != wallet.StatusDisputed || !c.IsOpen() {
		return ledger.Entry{}, settlement.Plan{}, &apperr.InvalidTransitionError{
			OrderID: w.OrderID, From: string(w.Status), Command: "resolve_dispute", Detail: "no open dispute",
		}
	}
	if !IsValidTransition(c.Status, CaseResolved) {
		return ledger.Entry{}, settlement.Plan{}, &InvalidStateTransitionError{FromState: c.Status, ToState: CaseResolved, OrderID: c.OrderID}
	}
	if req.ResolvedBy == "" {
		return ledger.Entry{}, settlement.Plan{}, apperr.Invalid("resolved_by", "is required")
	}

	reason := "dispute resolved: " + string(req.Outcome)
	var plan settlement.Plan
	switch req.Outcome {
	case ResolutionReleaseToSeller:
		plan = m.settler.Release(w, reason)
	case ResolutionRefundBuyer:
		plan = m.settler.RefundAll(w, reason)
	case ResolutionSplit:
		switch {
		case req.RefundAmount != nil && req.PenaltyAmount != nil:
			p, err := m.settler.Split(w, *req.RefundAmount, *req.PenaltyAmount, reason)
			if err != nil {
				return ledger.Entry{}, settlement.Plan{}, err
			}
			plan = p
		case req.RefundAmount == nil && req.PenaltyAmount == nil:
			// Tiers are evaluated at the moment the buyer raised the dispute.
			plan = m.settler.Refund(w, c.OpenedAt, reason)
		default:
			return ledger.Entry{}, settlement.Plan{}, apperr.Invalid("refund_amount", "refund_amount and penalty_amount must be given together")
		}
	default:
		return ledger.Entry{}, settlement.Plan{}, apperr.Invalid("outcome", "must be one of release_to_seller, refund_buyer, split")
	}

	marker := ledger.Entry{
		Type:         ledger.TypeDisputeRelease,
		Amount:       c.HeldAmount,
		Reason:       reason,
		Actor:        req.ResolvedBy,
		ReferenceSeq: c.HoldSeq,
	}
	return marker, plan, nil
}

// Close records the outcome on the case.
func (c *Case) Close(req ResolveRequest, plan settlement.Plan, releaseSeq int64, now time.Time) {
	resolvedAt := now.UTC()
	c.Status = CaseResolved
	c.Resolution = req.Outcome
	c.ResolvedBy = req.ResolvedBy
	c.ResolvedAt = &resolvedAt
	c.ReleaseSeq = releaseSeq
	c.Note = req.Note

	refunded, retained := decimal.Zero, decimal.Zero
	for _, e := range plan.Entries {
		if e.Type.IsRefund() {
			refunded = refunded.Add(e.Amount.Neg())
		} else {
			retained = retained.Add(e.Amount.Neg())
		}
	}
	c.RefundAmount = &refunded
	c.PenaltyAmount = &retained
}
