package disputes

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CaseStatus represents the lifecycle of a dispute case
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseResolved CaseStatus = "resolved"
)

// Resolution is the decided outcome of a dispute
type Resolution string

const (
	ResolutionReleaseToSeller Resolution = "release_to_seller"
	ResolutionRefundBuyer     Resolution = "refund_buyer"
	ResolutionSplit           Resolution = "split"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionReleaseToSeller, ResolutionRefundBuyer, ResolutionSplit:
		return true
	}
	return false
}

// InvalidStateTransitionError represents an invalid case transition
type InvalidStateTransitionError struct {
	FromState CaseStatus
	ToState   CaseStatus
	OrderID   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid dispute transition from %s to %s for order %s", e.FromState, e.ToState, e.OrderID)
}

// AllowedTransitions defines valid case transitions
func AllowedTransitions() map[CaseStatus][]CaseStatus {
	return map[CaseStatus][]CaseStatus{
		CaseOpen:     {CaseResolved},
		CaseResolved: {}, // Terminal state
	}
}

// IsValidTransition checks if a case transition is allowed
func IsValidTransition(from, to CaseStatus) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Case is the dispute record for one order. At most one case exists per
// order because every resolution drains the wallet.
type Case struct {
	OrderID       string           `json:"order_id"`
	Status        CaseStatus       `json:"status"`
	ReasonCode    string           `json:"reason_code"`
	Reason        string           `json:"reason"`
	OpenedBy      string           `json:"opened_by"`
	OpenedAt      time.Time        `json:"opened_at"`
	HeldAmount    decimal.Decimal  `json:"held_amount"`
	HoldSeq       int64            `json:"hold_seq"`
	Resolution    Resolution       `json:"resolution,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	PenaltyAmount *decimal.Decimal `json:"penalty_amount,omitempty"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	ReleaseSeq    int64            `json:"release_seq,omitempty"`
	Note          string           `json:"note,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// IsOpen reports whether funds are still frozen by this case.
func (c *Case) IsOpen() bool {
	return c != nil && c.Status == CaseOpen
}

// StatusDescription returns a human-readable description of a case status
func StatusDescription(status CaseStatus) string {
	switch status {
	case CaseOpen:
		return "Dispute open - funds frozen pending resolution"
	case CaseResolved:
		return "Dispute resolved - outcome applied to the wallet"
	default:
		return "Unknown dispute status"
	}
}

// ResolutionDescription returns a human-readable description of an outcome
func ResolutionDescription(r Resolution) string {
	switch r {
	case ResolutionReleaseToSeller:
		return "Funds released to the seller, net of commission"
	case ResolutionRefundBuyer:
		return "All held funds refunded to the buyer"
	case ResolutionSplit:
		return "Held funds split between buyer refund and seller compensation"
	default:
		return "Unknown resolution"
	}
}
