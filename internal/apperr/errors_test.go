package apperr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("release failed: %w", &DisputeActiveError{OrderID: "o-1", Command: "release_to_seller"})

	assert.Equal(t, KindDisputeActive, KindOf(err))
	assert.Equal(t, "cannot release funds: dispute in progress", UserMessage(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, "internal error", UserMessage(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestInvalidTransitionMessages(t *testing.T) {
	err := &InvalidTransitionError{OrderID: "o-1", From: "pending_deposit", Command: "request_refund"}
	assert.Equal(t, "cannot refund while wallet is pending deposit", err.UserMessage())
	assert.Contains(t, err.Error(), "request_refund not allowed from pending_deposit")

	err.Detail = "release conditions not met: delivery_confirmed"
	assert.Equal(t, "cannot refund: release conditions not met: delivery_confirmed", err.UserMessage())
}

func TestValidationHelper(t *testing.T) {
	err := Invalid("amount", "must be positive, got %s", "-5")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "amount: must be positive, got -5", UserMessage(err))
}
