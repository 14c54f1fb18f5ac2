package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/events"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/wallet"
)

var hundred = decimal.NewFromInt(100)

// CreateWalletRequest opens custody for an order.
type CreateWalletRequest struct {
	OrderID           string          `json:"order_id"`
	SellerID          string          `json:"seller_id"`
	DepositAmount     decimal.Decimal `json:"deposit_amount"`
	FinalAmount       decimal.Decimal `json:"final_amount"`
	EventDate         time.Time       `json:"event_date"`
	ReleaseConditions []string        `json:"release_conditions,omitempty"`
}

func (r CreateWalletRequest) validate() error {
	switch {
	case strings.TrimSpace(r.OrderID) == "":
		return apperr.Invalid("order_id", "is required")
	case !r.DepositAmount.IsPositive():
		return apperr.Invalid("deposit_amount", "must be positive")
	case r.FinalAmount.IsNegative():
		return apperr.Invalid("final_amount", "must not be negative")
	case r.EventDate.IsZero():
		return apperr.Invalid("event_date", "is required")
	}
	for _, c := range r.ReleaseConditions {
		if strings.TrimSpace(c) == "" {
			return apperr.Invalid("release_conditions", "must not contain empty names")
		}
	}
	return nil
}

// OrderRef is the order as the catalogue sees it.
type OrderRef struct {
	ID             string          `json:"id"`
	SellerID       string          `json:"seller_id"`
	Amount         decimal.Decimal `json:"amount"`
	DepositPercent decimal.Decimal `json:"deposit_percent"`
	EventDate      time.Time       `json:"event_date"`
}

// CreateWallet creates the wallet in pending_deposit. Repeating the call with
// the same parameters returns the existing wallet.
func (s *Service) CreateWallet(ctx context.Context, req CreateWalletRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	conds := req.ReleaseConditions
	if len(conds) == 0 {
		conds = s.opts.RequiredConditions
	}

	return s.execute(ctx, call{cmd: CmdCreateWallet, orderID: req.OrderID}, func(u *unit) error {
		if u.w != nil {
			if u.w.SellerID == req.SellerID && u.w.ExpectedDeposit.Equal(req.DepositAmount) &&
				u.w.ExpectedFinal.Equal(req.FinalAmount) && u.w.EventDate.Equal(req.EventDate) {
				u.noop()
				return nil
			}
			return &apperr.AlreadyExistsError{OrderID: req.OrderID}
		}
		u.create(wallet.New(wallet.Params{
			OrderID:            req.OrderID,
			SellerID:           req.SellerID,
			DepositAmount:      req.DepositAmount,
			FinalAmount:        req.FinalAmount,
			EventDate:          req.EventDate,
			RequiredConditions: conds,
		}, u.now))
		return nil
	})
}

// CreateWalletFromOrder derives the deposit from the order's deposit
// percentage. The final payment is the remainder.
func (s *Service) CreateWalletFromOrder(ctx context.Context, ref OrderRef) (*Result, error) {
	if !ref.Amount.IsPositive() {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	if !ref.DepositPercent.IsPositive() || ref.DepositPercent.GreaterThan(hundred) {
		return nil, apperr.Invalid("deposit_percent", "must be in (0, 100]")
	}
	deposit := ref.Amount.Mul(ref.DepositPercent).Div(hundred).Round(s.opts.Scale)
	if !deposit.IsPositive() {
		return nil, apperr.Invalid("deposit_percent", "yields a zero deposit for amount %s", ref.Amount)
	}
	return s.CreateWallet(ctx, CreateWalletRequest{
		OrderID:       ref.ID,
		SellerID:      ref.SellerID,
		DepositAmount: deposit,
		FinalAmount:   ref.Amount.Sub(deposit),
		EventDate:     ref.EventDate,
	})
}

// PaymentRequest records money confirmed by the payment gateway.
type PaymentRequest struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	// Reference is the gateway's transaction reference.
	Reference string `json:"reference,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

func (r PaymentRequest) reason(kind string) string {
	if r.Reference == "" {
		return kind
	}
	return kind + " (gateway ref " + r.Reference + ")"
}

// RecordDeposit moves pending_deposit to deposit_held. Wallets without a
// final payment go straight to fully_held.
func (s *Service) RecordDeposit(ctx context.Context, req PaymentRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	c := call{
		cmd: CmdRecordDeposit, orderID: req.OrderID, key: req.IdempotencyKey, actor: req.Actor,
		sameAs: sameTypeAndAmount(ledger.TypeDepositIn, req.Amount),
	}
	return s.execute(ctx, c, func(u *unit) error {
		if err := checkTransition(u.w, CmdRecordDeposit); err != nil {
			return err
		}
		if !req.Amount.Equal(u.w.ExpectedDeposit) {
			return apperr.Invalid("amount", "must equal the expected deposit %s", u.w.ExpectedDeposit)
		}
		if _, err := u.append(ledger.Entry{Type: ledger.TypeDepositIn, Amount: req.Amount, Reason: req.reason("deposit")}); err != nil {
			return err
		}
		u.w.Status = wallet.StatusDepositHeld
		if u.w.RemainingFinal().IsZero() {
			u.markFullyHeld()
		}
		return nil
	})
}

// RequestFinalPayment marks that the buyer has been asked for the rest.
func (s *Service) RequestFinalPayment(ctx context.Context, orderID, actor string) (*Result, error) {
	return s.execute(ctx, call{cmd: CmdRequestFinalPayment, orderID: orderID, actor: actor}, func(u *unit) error {
		if u.w.Status == wallet.StatusPendingFinal {
			u.noop()
			return nil
		}
		if err := checkTransition(u.w, CmdRequestFinalPayment); err != nil {
			return err
		}
		u.w.Status = wallet.StatusPendingFinal
		return nil
	})
}

// RecordFinalPayment completes custody. The amount must be exactly what is
// still owed.
func (s *Service) RecordFinalPayment(ctx context.Context, req PaymentRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("amount", "must be positive")
	}
	c := call{
		cmd: CmdRecordFinalPayment, orderID: req.OrderID, key: req.IdempotencyKey, actor: req.Actor,
		sameAs: sameTypeAndAmount(ledger.TypeFinalPaymentIn, req.Amount),
	}
	return s.execute(ctx, c, func(u *unit) error {
		if err := checkTransition(u.w, CmdRecordFinalPayment); err != nil {
			return err
		}
		if remaining := u.w.RemainingFinal(); !req.Amount.Equal(remaining) {
			return apperr.Invalid("amount", "must equal the remaining balance %s", remaining)
		}
		if _, err := u.append(ledger.Entry{Type: ledger.TypeFinalPaymentIn, Amount: req.Amount, Reason: req.reason("final payment")}); err != nil {
			return err
		}
		u.markFullyHeld()
		return nil
	})
}

func (u *unit) markFullyHeld() {
	at := u.now
	u.w.Status = wallet.StatusFullyHeld
	u.w.FullyHeldAt = &at
}

// RefundRequest cancels an order on the buyer's behalf.
type RefundRequest struct {
	OrderID        string `json:"order_id"`
	Reason         string `json:"reason"`
	RequestedBy    string `json:"requested_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RequestRefund refunds the buyer according to the cancellation tier in
// force now. Any retained penalty is paid to the seller net of commission.
func (s *Service) RequestRefund(ctx context.Context, req RefundRequest) (*Result, error) {
	if strings.TrimSpace(req.RequestedBy) == "" {
		return nil, apperr.Invalid("requested_by", "is required")
	}
	c := call{
		cmd: CmdRequestRefund, orderID: req.OrderID, key: req.IdempotencyKey, actor: req.RequestedBy,
		sameAs: oneOf(ledger.TypeRefundOut, ledger.TypePartialRefundOut, ledger.TypeCompensationOut, ledger.TypeCommissionDeduct),
	}
	return s.execute(ctx, c, func(u *unit) error {
		if err := checkTransition(u.w, CmdRequestRefund); err != nil {
			return err
		}
		reason := "refund requested"
		if req.Reason != "" {
			reason += ": " + req.Reason
		}
		return u.settle(s.settler.Refund(u.w, u.now, reason))
	})
}

// ReleaseRequest pays the seller.
type ReleaseRequest struct {
	OrderID        string `json:"order_id"`
	Actor          string `json:"actor"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReleaseToSeller pays everything held to the seller net of commission once
// every release condition is met.
func (s *Service) ReleaseToSeller(ctx context.Context, req ReleaseRequest) (*Result, error) {
	c := call{
		cmd: CmdReleaseToSeller, orderID: req.OrderID, key: req.IdempotencyKey, actor: req.Actor,
		sameAs: oneOf(ledger.TypeSellerPayout, ledger.TypeCommissionDeduct),
	}
	return s.execute(ctx, c, func(u *unit) error {
		return u.release("released to seller")
	})
}

func (u *unit) release(reason string) error {
	if err := checkTransition(u.w, CmdReleaseToSeller); err != nil {
		return err
	}
	if missing := u.w.MissingConditions(); len(missing) > 0 {
		return &apperr.InvalidTransitionError{
			OrderID: u.w.OrderID,
			From:    string(u.w.Status),
			Command: string(CmdReleaseToSeller),
			Detail:  "release conditions not met: " + strings.Join(missing, ", "),
		}
	}
	return u.settle(u.svc.settler.Release(u.w, reason))
}

// OpenDispute freezes the wallet. Refunds and releases fail until the
// dispute is resolved.
func (s *Service) OpenDispute(ctx context.Context, req disputes.OpenRequest, idempotencyKey string) (*Result, error) {
	c := call{
		cmd: CmdOpenDispute, orderID: req.OrderID, key: idempotencyKey, actor: req.OpenedBy,
		sameAs: oneOf(ledger.TypeDisputeHold),
	}
	return s.execute(ctx, c, func(u *unit) error {
		existing, err := u.tx.GetDispute(u.ctx, u.w.OrderID)
		if err != nil {
			return err
		}
		if existing.IsOpen() || u.w.Status == wallet.StatusDisputed {
			return &apperr.DisputeActiveError{OrderID: u.w.OrderID, Command: string(CmdOpenDispute)}
		}
		if err := checkTransition(u.w, CmdOpenDispute); err != nil {
			return err
		}
		dc, entry, err := s.disputes.Open(u.w, existing, req, u.now)
		if err != nil {
			return err
		}
		hold, err := u.append(entry)
		if err != nil {
			return err
		}
		dc.HoldSeq = hold.SequenceNo
		if err := u.tx.SaveDispute(u.ctx, dc); err != nil {
			return err
		}
		u.result = &Result{Dispute: dc}
		return nil
	})
}

// ResolveDispute lifts the hold and settles the wallet according to the
// outcome.
func (s *Service) ResolveDispute(ctx context.Context, req disputes.ResolveRequest, idempotencyKey string) (*Result, error) {
	c := call{
		cmd: CmdResolveDispute, orderID: req.OrderID, key: idempotencyKey, actor: req.ResolvedBy,
		sameAs: oneOf(ledger.TypeDisputeRelease),
	}
	return s.execute(ctx, c, func(u *unit) error {
		if err := checkTransition(u.w, CmdResolveDispute); err != nil {
			return err
		}
		dc, err := u.tx.GetDispute(u.ctx, u.w.OrderID)
		if err != nil {
			return err
		}
		marker, plan, err := s.disputes.Resolve(u.w, dc, req)
		if err != nil {
			return err
		}
		released, err := u.append(marker)
		if err != nil {
			return err
		}
		if err := u.settle(plan); err != nil {
			return err
		}
		dc.Close(req, plan, released.SequenceNo, u.now)
		if err := u.tx.SaveDispute(u.ctx, dc); err != nil {
			return err
		}
		u.result.Dispute = dc
		return nil
	})
}

// ConditionRequest sets one release gate.
type ConditionRequest struct {
	OrderID   string `json:"order_id"`
	Condition string `json:"condition"`
	Value     bool   `json:"value"`
	Actor     string `json:"actor"`
}

// SetReleaseCondition flips a release gate. Only gates the wallet was
// created with, plus the built-in ones, may be set.
func (s *Service) SetReleaseCondition(ctx context.Context, req ConditionRequest) (*Result, error) {
	if strings.TrimSpace(req.Condition) == "" {
		return nil, apperr.Invalid("condition", "is required")
	}
	return s.execute(ctx, call{cmd: CmdSetReleaseCondition, orderID: req.OrderID, actor: req.Actor}, func(u *unit) error {
		if err := checkTransition(u.w, CmdSetReleaseCondition); err != nil {
			return err
		}
		current, known := u.w.ReleaseConditions[req.Condition]
		if !known && req.Condition != wallet.ConditionDeliveryConfirmed && req.Condition != wallet.ConditionDisputeWindowElapsed {
			return apperr.Invalid("condition", "unknown release condition %q", req.Condition)
		}
		if known && current == req.Value {
			u.noop()
			return nil
		}
		return u.setCondition(req.Condition, req.Value, req.Actor)
	})
}

func (u *unit) setCondition(name string, value bool, actor string) error {
	u.w.SetCondition(name, value, u.now)
	return u.emit(events.TypeReleaseConditionChanged, events.ReleaseConditionChanged{
		OrderID:   u.w.OrderID,
		Condition: name,
		Value:     value,
		Actor:     actor,
		At:        u.now,
	})
}

// CancelWallet closes a wallet that never received money.
func (s *Service) CancelWallet(ctx context.Context, orderID, actor, reason string) (*Result, error) {
	return s.execute(ctx, call{cmd: CmdCancelWallet, orderID: orderID, actor: actor}, func(u *unit) error {
		if u.w.Status == wallet.StatusCancelled {
			u.noop()
			return nil
		}
		if err := checkTransition(u.w, CmdCancelWallet); err != nil {
			return err
		}
		if !u.w.TotalHeld.IsZero() {
			return &apperr.InvalidTransitionError{
				OrderID: u.w.OrderID, From: string(u.w.Status), Command: string(CmdCancelWallet), Detail: "funds are held",
			}
		}
		u.w.Status = wallet.StatusCancelled
		u.svc.logger.Info("wallet cancelled", "order_id", u.w.OrderID, "actor", actor, "reason", reason)
		return nil
	})
}

// AdjustmentRequest corrects the balance by hand.
type AdjustmentRequest struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	Actor   string          `json:"actor"`
	// ReferenceSeq is the entry being corrected, if any.
	ReferenceSeq   int64  `json:"reference_seq,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RecordAdjustment appends a signed correction. It is the only entry
// accepted on terminal wallets.
func (s *Service) RecordAdjustment(ctx context.Context, req AdjustmentRequest) (*Result, error) {
	switch {
	case strings.TrimSpace(req.Reason) == "":
		return nil, apperr.Invalid("reason", "is required")
	case strings.TrimSpace(req.Actor) == "":
		return nil, apperr.Invalid("actor", "is required")
	case req.Amount.IsZero():
		return nil, apperr.Invalid("amount", "must not be zero")
	case req.ReferenceSeq < 0:
		return nil, apperr.Invalid("reference_seq", "must not be negative")
	}
	c := call{
		cmd: CmdRecordAdjustment, orderID: req.OrderID, key: req.IdempotencyKey, actor: req.Actor,
		sameAs: sameTypeAndAmount(ledger.TypeAdjustment, req.Amount),
	}
	return s.execute(ctx, c, func(u *unit) error {
		if req.ReferenceSeq > u.w.SequenceNo {
			return apperr.Invalid("reference_seq", "sequence %d does not exist", req.ReferenceSeq)
		}
		_, err := u.append(ledger.Entry{
			Type:         ledger.TypeAdjustment,
			Amount:       req.Amount,
			Reason:       req.Reason,
			ReferenceSeq: req.ReferenceSeq,
		})
		if err != nil {
			return fmt.Errorf("adjustment rejected: %w", err)
		}
		return nil
	})
}
