// Package events defines the wallet events, the outbox envelope they travel
// in, and the publishers that deliver them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/wallet"
)

const (
	TypeWalletStatusChanged     = "wallet.status_changed"
	TypeTransactionRecorded     = "wallet.transaction_recorded"
	TypeReleaseConditionChanged = "wallet.release_condition_changed"
)

// WalletStatusChanged is emitted whenever a command moves a wallet between
// statuses. OldStatus is empty for a newly created wallet.
type WalletStatusChanged struct {
	OrderID   string        `json:"order_id"`
	OldStatus wallet.Status `json:"old_status"`
	NewStatus wallet.Status `json:"new_status"`
	Command   string        `json:"command"`
	At        time.Time     `json:"at"`
}

// TransactionRecorded is emitted for every appended ledger entry.
type TransactionRecorded struct {
	OrderID     string              `json:"order_id"`
	Transaction *ledger.Transaction `json:"transaction"`
}

// ReleaseConditionChanged is emitted when a release gate flips.
type ReleaseConditionChanged struct {
	OrderID   string    `json:"order_id"`
	Condition string    `json:"condition"`
	Value     bool      `json:"value"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

// Envelope is one outbox row. It is written in the same store transaction as
// the state change and published afterwards, at least once.
type Envelope struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	// DeadAt is set once the dispatcher gives up on the event.
	DeadAt      *time.Time      `json:"dead_at,omitempty"`
	Attempts    int             `json:"attempts"`
}

// NewEnvelope marshals payload into an outbox envelope.
func NewEnvelope(eventType, orderID string, payload any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}, nil
}

// Publisher delivers envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
	Close() error
}
