package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/preorder-escrow/internal/wallet"
)

type memOutbox struct {
	mu        sync.Mutex
	events    []*Envelope
	published map[string]time.Time
	dead      map[string]time.Time
	failures  map[string]int
}

func newMemOutbox(envs ...*Envelope) *memOutbox {
	return &memOutbox{
		events:    envs,
		published: map[string]time.Time{},
		dead:      map[string]time.Time{},
		failures:  map[string]int{},
	}
}

func (m *memOutbox) PendingEvents(ctx context.Context, limit int) ([]*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Envelope
	for _, e := range m.events {
		_, done := m.published[e.ID]
		_, dead := m.dead[e.ID]
		if !done && !dead && len(out) < limit {
			cp := *e
			cp.Attempts = m.failures[e.ID]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[id] = at
	return nil
}

func (m *memOutbox) MarkEventFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return nil
}

func (m *memOutbox) MarkEventDead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	m.dead[id] = at
	return nil
}

type flakyPublisher struct {
	failOn map[string]bool
	calls  int
	sent   []string
}

func (f *flakyPublisher) Publish(ctx context.Context, env *Envelope) error {
	f.calls++
	if f.failOn[env.ID] {
		return errors.New("broker down")
	}
	f.sent = append(f.sent, env.ID)
	return nil
}

func (f *flakyPublisher) Close() error { return nil }

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func envelope(t *testing.T, order string, from, to wallet.Status) *Envelope {
	t.Helper()
	env, err := NewEnvelope(TypeWalletStatusChanged, order, WalletStatusChanged{OrderID: order, OldStatus: from, NewStatus: to}, time.Now())
	require.NoError(t, err)
	return env
}

func TestNewEnvelopeMarshalsPayload(t *testing.T) {
	env := envelope(t, "order-1", wallet.StatusPendingDeposit, wallet.StatusDepositHeld)

	var got WalletStatusChanged
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, wallet.StatusDepositHeld, got.NewStatus)
	assert.Equal(t, TypeWalletStatusChanged, env.Type)
	assert.NotEmpty(t, env.ID)
}

func TestDispatcherPublishesInOrder(t *testing.T) {
	e1 := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	e2 := envelope(t, "order-1", wallet.StatusPendingDeposit, wallet.StatusDepositHeld)
	outbox := newMemOutbox(e1, e2)
	rec := &Recorder{}

	n, err := NewDispatcher(outbox, rec, quiet, 10, 3).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rec.Events(), 2)
	assert.Equal(t, e1.ID, rec.Events()[0].ID)

	n, err = NewDispatcher(outbox, rec, quiet, 10, 3).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherHoldsBackOrderAfterFailure(t *testing.T) {
	e1 := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	e2 := envelope(t, "order-1", wallet.StatusPendingDeposit, wallet.StatusDepositHeld)
	outbox := newMemOutbox(e1, e2)
	pub := &flakyPublisher{failOn: map[string]bool{e1.ID: true}}

	n, err := NewDispatcher(outbox, pub, quiet, 10, 3).RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, 1, outbox.failures[e1.ID])
	assert.Empty(t, outbox.published)
}

func TestDispatcherKeepsOtherOrdersMoving(t *testing.T) {
	stuck := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	stuckNext := envelope(t, "order-1", wallet.StatusPendingDeposit, wallet.StatusDepositHeld)
	other := envelope(t, "order-2", "", wallet.StatusPendingDeposit)
	outbox := newMemOutbox(stuck, stuckNext, other)
	pub := &flakyPublisher{failOn: map[string]bool{stuck.ID: true}}

	n, err := NewDispatcher(outbox, pub, quiet, 10, 3).RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{other.ID}, pub.sent)
	assert.Contains(t, outbox.published, other.ID)
	assert.NotContains(t, outbox.published, stuckNext.ID)
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	poison := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	next := envelope(t, "order-1", wallet.StatusPendingDeposit, wallet.StatusDepositHeld)
	outbox := newMemOutbox(poison, next)
	pub := &flakyPublisher{failOn: map[string]bool{poison.ID: true}}
	d := NewDispatcher(outbox, pub, quiet, 10, 3)

	for i := 0; i < 3; i++ {
		n, err := d.RunOnce(context.Background())
		require.Error(t, err)
		assert.Zero(t, n)
	}
	assert.Contains(t, outbox.dead, poison.ID)
	assert.Equal(t, 3, outbox.failures[poison.ID])

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, outbox.published, next.ID)
}

func TestDispatcherDoesNotChargeAttemptsWhileBreakerOpen(t *testing.T) {
	e1 := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	e2 := envelope(t, "order-2", "", wallet.StatusPendingDeposit)
	outbox := newMemOutbox(e1, e2)
	inner := &flakyPublisher{failOn: map[string]bool{e1.ID: true, e2.ID: true}}
	pub := NewBreakerPublisher("test", inner, BreakerConfig{ConsecutiveFailures: 1, Timeout: time.Minute}, quiet)
	d := NewDispatcher(outbox, pub, quiet, 10, 3)

	_, err := d.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 1, outbox.failures[e1.ID])
	assert.Zero(t, outbox.failures[e2.ID])
	assert.Equal(t, 1, inner.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	env := envelope(t, "order-1", "", wallet.StatusPendingDeposit)
	inner := &flakyPublisher{failOn: map[string]bool{env.ID: true}}
	pub := NewBreakerPublisher("test", inner, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, quiet)

	for i := 0; i < 2; i++ {
		assert.Error(t, pub.Publish(context.Background(), env))
	}
	assert.Equal(t, "open", pub.State())

	err := pub.Publish(context.Background(), env)
	require.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 2, inner.calls)
}

func TestRecorderSubscribers(t *testing.T) {
	rec := &Recorder{}
	var seen []string
	rec.Subscribe(func(e *Envelope) { seen = append(seen, e.Type) })

	require.NoError(t, rec.Publish(context.Background(), envelope(t, "order-1", "", wallet.StatusPendingDeposit)))
	assert.Equal(t, []string{TypeWalletStatusChanged}, seen)
}

func TestKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "escrow")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}
