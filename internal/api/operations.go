package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/disputes"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/security"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Escrow is the engine surface exposed over the wire. *escrow.Service
// implements it.
type Escrow interface {
	CreateWallet(ctx context.Context, req escrow.CreateWalletRequest) (*escrow.Result, error)
	CreateWalletFromOrder(ctx context.Context, ref escrow.OrderRef) (*escrow.Result, error)
	RecordDeposit(ctx context.Context, req escrow.PaymentRequest) (*escrow.Result, error)
	RequestFinalPayment(ctx context.Context, orderID, actor string) (*escrow.Result, error)
	RecordFinalPayment(ctx context.Context, req escrow.PaymentRequest) (*escrow.Result, error)
	RequestRefund(ctx context.Context, req escrow.RefundRequest) (*escrow.Result, error)
	ReleaseToSeller(ctx context.Context, req escrow.ReleaseRequest) (*escrow.Result, error)
	OpenDispute(ctx context.Context, req disputes.OpenRequest, idempotencyKey string) (*escrow.Result, error)
	ResolveDispute(ctx context.Context, req disputes.ResolveRequest, idempotencyKey string) (*escrow.Result, error)
	SetReleaseCondition(ctx context.Context, req escrow.ConditionRequest) (*escrow.Result, error)
	CancelWallet(ctx context.Context, orderID, actor, reason string) (*escrow.Result, error)
	RecordAdjustment(ctx context.Context, req escrow.AdjustmentRequest) (*escrow.Result, error)
	Rebuild(ctx context.Context, orderID, operator string) (*escrow.Result, error)
	Verify(ctx context.Context, orderID string) (*escrow.VerifyReport, error)
	Wallet(ctx context.Context, orderID string) (*wallet.Wallet, error)
	History(ctx context.Context, orderID string) ([]*ledger.Transaction, error)
	Dispute(ctx context.Context, orderID string) (*disputes.Case, error)
}

// Call carries what a transport extracted from one request.
type Call struct {
	OrderID string
	Body    []byte
	// IdempotencyKey comes from the Idempotency-Key header or gRPC
	// metadata. A key in the body wins.
	IdempotencyKey string
	// Peer is the verified client identity, used when the body names no
	// actor.
	Peer string
}

func (c Call) key(fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.IdempotencyKey
}

func (c Call) actor(fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Peer
}

// Operation is one command or query reachable over HTTP and gRPC.
type Operation struct {
	Name string
	// Schema validates the body. Operations without one take no body.
	Schema string
	// Creates marks operations answered with 201 unless nothing was new.
	Creates bool
	Run     func(ctx context.Context, e Escrow, c Call) (any, error)

	validator *security.JSONSchemaValidator
}

// Validate checks the body against the operation's schema.
func (op *Operation) Validate(body []byte) error {
	if op.validator == nil {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var payload interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return apperr.Invalid("body", "invalid JSON: %s", err.Error())
	}
	if err := op.validator.Validate(payload); err != nil {
		return apperr.Invalid("body", "%s", err.Error())
	}
	return nil
}

// Operations returns the compiled operation table keyed by name.
func Operations() (map[string]*Operation, error) {
	ops := []*Operation{
		{Name: "CreateWallet", Schema: createWalletSchema, Creates: true, Run: runCreateWallet},
		{Name: "GetWallet", Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			return e.Wallet(ctx, c.OrderID)
		}},
		{Name: "ListTransactions", Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			txs, err := e.History(ctx, c.OrderID)
			if err != nil {
				return nil, err
			}
			return historyResponse{OrderID: c.OrderID, Transactions: txs}, nil
		}},
		{Name: "GetDispute", Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			dc, err := e.Dispute(ctx, c.OrderID)
			if err != nil {
				return nil, err
			}
			if dc == nil {
				return nil, &apperr.NotFoundError{Entity: "dispute", ID: c.OrderID}
			}
			resp := disputeResponse{Case: dc, StatusDescription: disputes.StatusDescription(dc.Status)}
			if dc.Resolution != "" {
				resp.ResolutionDescription = disputes.ResolutionDescription(dc.Resolution)
			}
			return resp, nil
		}},
		{Name: "Verify", Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			return e.Verify(ctx, c.OrderID)
		}},
		{Name: "RecordDeposit", Schema: paymentSchema, Run: runPayment(Escrow.RecordDeposit)},
		{Name: "RecordFinalPayment", Schema: paymentSchema, Run: runPayment(Escrow.RecordFinalPayment)},
		{Name: "RequestFinalPayment", Schema: actorSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b actorBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.RequestFinalPayment(ctx, c.OrderID, c.actor(b.Actor))
		}},
		{Name: "RequestRefund", Schema: refundSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b refundBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.RequestRefund(ctx, escrow.RefundRequest{
				OrderID: c.OrderID, Reason: b.Reason, RequestedBy: b.RequestedBy, IdempotencyKey: c.key(b.IdempotencyKey),
			})
		}},
		{Name: "ReleaseToSeller", Schema: actorSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b actorBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.ReleaseToSeller(ctx, escrow.ReleaseRequest{
				OrderID: c.OrderID, Actor: c.actor(b.Actor), IdempotencyKey: c.key(b.IdempotencyKey),
			})
		}},
		{Name: "OpenDispute", Schema: openDisputeSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b openDisputeBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.OpenDispute(ctx, disputes.OpenRequest{
				OrderID: c.OrderID, ReasonCode: b.ReasonCode, Reason: b.Reason, OpenedBy: b.OpenedBy, Metadata: b.Metadata,
			}, c.key(b.IdempotencyKey))
		}},
		{Name: "ResolveDispute", Schema: resolveDisputeSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b resolveDisputeBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.ResolveDispute(ctx, disputes.ResolveRequest{
				OrderID: c.OrderID, Outcome: disputes.Resolution(b.Outcome), RefundAmount: b.RefundAmount,
				PenaltyAmount: b.PenaltyAmount, ResolvedBy: b.ResolvedBy, Note: b.Note,
			}, c.key(b.IdempotencyKey))
		}},
		{Name: "SetReleaseCondition", Schema: conditionSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b conditionBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.SetReleaseCondition(ctx, escrow.ConditionRequest{
				OrderID: c.OrderID, Condition: b.Condition, Value: b.Value, Actor: c.actor(b.Actor),
			})
		}},
		{Name: "CancelWallet", Schema: actorSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b actorBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.CancelWallet(ctx, c.OrderID, c.actor(b.Actor), b.Reason)
		}},
		{Name: "RecordAdjustment", Schema: adjustmentSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b adjustmentBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.RecordAdjustment(ctx, escrow.AdjustmentRequest{
				OrderID: c.OrderID, Amount: b.Amount, Reason: b.Reason, Actor: b.Actor,
				ReferenceSeq: b.ReferenceSeq, IdempotencyKey: c.key(b.IdempotencyKey),
			})
		}},
		{Name: "Rebuild", Schema: rebuildSchema, Run: func(ctx context.Context, e Escrow, c Call) (any, error) {
			var b rebuildBody
			if err := decode(c.Body, &b); err != nil {
				return nil, err
			}
			return e.Rebuild(ctx, c.OrderID, b.Operator)
		}},
	}

	out := make(map[string]*Operation, len(ops))
	for _, op := range ops {
		if op.Schema != "" {
			v, err := security.NewJSONSchemaValidator(op.Name, op.Schema)
			if err != nil {
				return nil, fmt.Errorf("compile %s schema: %w", op.Name, err)
			}
			op.validator = v
		}
		out[op.Name] = op
	}
	return out, nil
}

type historyResponse struct {
	OrderID      string                `json:"order_id"`
	Transactions []*ledger.Transaction `json:"transactions"`
}

type disputeResponse struct {
	*disputes.Case
	StatusDescription     string `json:"status_description"`
	ResolutionDescription string `json:"resolution_description,omitempty"`
}

type createWalletBody struct {
	OrderID           string           `json:"order_id"`
	SellerID          string           `json:"seller_id"`
	DepositAmount     *decimal.Decimal `json:"deposit_amount"`
	FinalAmount       *decimal.Decimal `json:"final_amount"`
	Amount            *decimal.Decimal `json:"amount"`
	DepositPercent    *decimal.Decimal `json:"deposit_percent"`
	EventDate         time.Time        `json:"event_date"`
	ReleaseConditions []string         `json:"release_conditions"`
}

type paymentBody struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reference      string          `json:"reference"`
	Actor          string          `json:"actor"`
}

type actorBody struct {
	Actor          string `json:"actor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type refundBody struct {
	RequestedBy    string `json:"requested_by"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type openDisputeBody struct {
	ReasonCode     string         `json:"reason_code"`
	Reason         string         `json:"reason"`
	OpenedBy       string         `json:"opened_by"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type resolveDisputeBody struct {
	Outcome        string           `json:"outcome"`
	RefundAmount   *decimal.Decimal `json:"refund_amount"`
	PenaltyAmount  *decimal.Decimal `json:"penalty_amount"`
	ResolvedBy     string           `json:"resolved_by"`
	Note           string           `json:"note"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type conditionBody struct {
	Condition string `json:"condition"`
	Value     bool   `json:"value"`
	Actor     string `json:"actor"`
}

type adjustmentBody struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	Actor          string          `json:"actor"`
	ReferenceSeq   int64           `json:"reference_seq"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type rebuildBody struct {
	Operator string `json:"operator"`
}

func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Invalid("body", "%s", err.Error())
	}
	return nil
}

func runCreateWallet(ctx context.Context, e Escrow, c Call) (any, error) {
	var b createWalletBody
	if err := decode(c.Body, &b); err != nil {
		return nil, err
	}
	if c.OrderID != "" && b.OrderID != c.OrderID {
		return nil, apperr.Invalid("order_id", "does not match the request path")
	}
	if b.Amount != nil && b.DepositPercent != nil {
		return e.CreateWalletFromOrder(ctx, escrow.OrderRef{
			ID: b.OrderID, SellerID: b.SellerID, Amount: *b.Amount, DepositPercent: *b.DepositPercent, EventDate: b.EventDate,
		})
	}
	if b.DepositAmount == nil || b.FinalAmount == nil {
		return nil, apperr.Invalid("deposit_amount", "deposit_amount and final_amount are required")
	}
	return e.CreateWallet(ctx, escrow.CreateWalletRequest{
		OrderID: b.OrderID, SellerID: b.SellerID, DepositAmount: *b.DepositAmount, FinalAmount: *b.FinalAmount,
		EventDate: b.EventDate, ReleaseConditions: b.ReleaseConditions,
	})
}

func runPayment(record func(Escrow, context.Context, escrow.PaymentRequest) (*escrow.Result, error)) func(context.Context, Escrow, Call) (any, error) {
	return func(ctx context.Context, e Escrow, c Call) (any, error) {
		var b paymentBody
		if err := decode(c.Body, &b); err != nil {
			return nil, err
		}
		return record(e, ctx, escrow.PaymentRequest{
			OrderID: c.OrderID, Amount: b.Amount, IdempotencyKey: c.key(b.IdempotencyKey),
			Reference: b.Reference, Actor: c.actor(b.Actor),
		})
	}
}
