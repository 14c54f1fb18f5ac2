// Package apperr defines the error taxonomy shared by the escrow packages.
// Every error carries a Kind for transport mapping and a human-readable
// message suitable for showing to the buyer, seller or operator.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindInvalidTransition   Kind = "invalid_transition"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindDuplicate           Kind = "duplicate_transaction"
	KindDisputeActive       Kind = "dispute_active"
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "wallet_exists"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindValidation          Kind = "validation_error"
	KindInvariantViolation  Kind = "invariant_violation"
	KindInternal            Kind = "internal_error"
)

type kinded interface {
	Kind() Kind
}

type userFacing interface {
	UserMessage() string
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// UserMessage returns the human-readable reason for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var u userFacing
	if errors.As(err, &u) {
		return u.UserMessage()
	}
	return "internal error"
}

// InvalidTransitionError is returned when a command is not allowed from the
// wallet's current status.
type InvalidTransitionError struct {
	OrderID string
	From    string
	Command string
	Detail  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: %s not allowed from %s for order %s", e.Command, e.From, e.OrderID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvalidTransitionError) Kind() Kind { return KindInvalidTransition }

func (e *InvalidTransitionError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot %s: %s", humanCommand(e.Command), e.Detail)
	}
	return fmt.Sprintf("cannot %s while wallet is %s", humanCommand(e.Command), strings.ReplaceAll(e.From, "_", " "))
}

// InsufficientFundsError is returned when an outflow would drive a balance
// negative.
type InsufficientFundsError struct {
	OrderID   string
	Requested string
	Available string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for order %s: requested %s, available %s", e.OrderID, e.Requested, e.Available)
}

func (e *InsufficientFundsError) Kind() Kind { return KindInsufficientFunds }

func (e *InsufficientFundsError) UserMessage() string {
	return fmt.Sprintf("insufficient funds held: requested %s, available %s", e.Requested, e.Available)
}

// DuplicateTransactionError reports that an idempotency key was already
// used. Original holds whatever the first attempt recorded; callers treat it
// as success.
type DuplicateTransactionError struct {
	OrderID        string
	IdempotencyKey string
	Original       any
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction for order %s with idempotency key %s", e.OrderID, e.IdempotencyKey)
}

func (e *DuplicateTransactionError) Kind() Kind { return KindDuplicate }

func (e *DuplicateTransactionError) UserMessage() string {
	return "request already processed"
}

// DisputeActiveError is returned for refund and release attempts while the
// wallet is frozen.
type DisputeActiveError struct {
	OrderID string
	Command string
}

func (e *DisputeActiveError) Error() string {
	return fmt.Sprintf("dispute active for order %s: %s rejected", e.OrderID, e.Command)
}

func (e *DisputeActiveError) Kind() Kind { return KindDisputeActive }

func (e *DisputeActiveError) UserMessage() string {
	return fmt.Sprintf("cannot %s: dispute in progress", humanCommand(e.Command))
}

// NotFoundError is returned when an entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

func (e *NotFoundError) UserMessage() string {
	return fmt.Sprintf("%s not found", e.Entity)
}

// AlreadyExistsError is returned when a wallet is created twice with
// different terms.
type AlreadyExistsError struct {
	OrderID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("wallet for order %s already exists", e.OrderID)
}

func (e *AlreadyExistsError) Kind() Kind { return KindAlreadyExists }

func (e *AlreadyExistsError) UserMessage() string {
	return "an escrow wallet already exists for this order"
}

// IdempotencyConflictError is returned when a key is reused for a different
// movement.
type IdempotencyConflictError struct {
	OrderID        string
	IdempotencyKey string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %s reused with different parameters for order %s", e.IdempotencyKey, e.OrderID)
}

func (e *IdempotencyConflictError) Kind() Kind { return KindIdempotencyConflict }

func (e *IdempotencyConflictError) UserMessage() string {
	return "idempotency key was already used for a different request"
}

// ValidationError is returned for malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

func (e *ValidationError) UserMessage() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvariantViolationError means the stored aggregate disagrees with the
// ledger. The wallet stays halted until an operator rebuilds it.
type InvariantViolationError struct {
	OrderID string
	Reason  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation for order %s: %s", e.OrderID, e.Reason)
}

func (e *InvariantViolationError) Kind() Kind { return KindInvariantViolation }

func (e *InvariantViolationError) UserMessage() string {
	return "wallet is under reconciliation; no changes are accepted until it is rebuilt"
}

func humanCommand(cmd string) string {
	switch cmd {
	case "request_refund":
		return "refund"
	case "release_to_seller":
		return "release funds"
	case "open_dispute":
		return "open dispute"
	case "resolve_dispute":
		return "resolve dispute"
	case "record_deposit":
		return "record deposit"
	case "record_final_payment":
		return "record final payment"
	case "request_final_payment":
		return "request final payment"
	case "cancel_wallet":
		return "cancel"
	case "set_release_condition":
		return "update release condition"
	case "record_adjustment":
		return "record adjustment"
	}
	return strings.ReplaceAll(cmd, "_", " ")
}
