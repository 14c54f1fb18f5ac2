package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker in front of the broker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// ErrBrokerUnavailable is returned while the circuit breaker is open. It
// says nothing about the event itself, so the dispatcher does not count it
// as an attempt.
var ErrBrokerUnavailable = errors.New("event broker unavailable")

// BreakerPublisher stops hammering a broker that keeps failing.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a circuit breaker that opens after
// cfg.ConsecutiveFailures failed publishes.
func NewBreakerPublisher(name string, next Publisher, cfg BreakerConfig, logger *slog.Logger) *BreakerPublisher {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "publisher-" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit_breaker_state_changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &BreakerPublisher{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (p *BreakerPublisher) Publish(ctx context.Context, env *Envelope) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return err
}

func (p *BreakerPublisher) Close() error { return p.next.Close() }

// State exposes the breaker state for health reporting.
func (p *BreakerPublisher) State() string { return p.breaker.State().String() }

// Outbox is the store side of the transactional outbox.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]*Envelope, error)
	MarkEventPublished(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string) error
	// MarkEventDead takes the event out of the pending set for good.
	MarkEventDead(ctx context.Context, id string, at time.Time) error
}

// DefaultMaxAttempts is used when NewDispatcher gets a non-positive cap.
const DefaultMaxAttempts = 20

// Dispatcher drains the outbox into a publisher.
type Dispatcher struct {
	outbox      Outbox
	publisher   Publisher
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
	now         func() time.Time
}

func NewDispatcher(outbox Outbox, publisher Publisher, logger *slog.Logger, batchSize, maxAttempts int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		outbox:      outbox,
		publisher:   publisher,
		logger:      logger,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// RunOnce publishes one batch in creation order. When an event fails, the
// later events of the same order are held back for this run while other
// orders carry on. An event that has failed maxAttempts times is
// dead-lettered so its order is no longer stuck behind it. An open breaker
// or a cancelled context ends the run without charging an attempt.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	pending, err := d.outbox.PendingEvents(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending events: %w", err)
	}

	var (
		published int
		blocked   = make(map[string]bool)
		errs      []error
	)
	for _, env := range pending {
		if blocked[env.OrderID] {
			continue
		}
		err := d.publisher.Publish(ctx, env)
		if err == nil {
			if err := d.outbox.MarkEventPublished(ctx, env.ID, d.now()); err != nil {
				return published, fmt.Errorf("failed to mark event %s published: %w", env.ID, err)
			}
			published++
			continue
		}
		if ctx.Err() != nil || errors.Is(err, ErrBrokerUnavailable) {
			errs = append(errs, fmt.Errorf("failed to publish event %s: %w", env.ID, err))
			break
		}

		blocked[env.OrderID] = true
		errs = append(errs, fmt.Errorf("failed to publish event %s: %w", env.ID, err))
		if env.Attempts+1 >= d.maxAttempts {
			if markErr := d.outbox.MarkEventDead(ctx, env.ID, d.now()); markErr != nil {
				d.logger.Error("outbox_mark_dead_error", "event_id", env.ID, "error", markErr)
				continue
			}
			d.logger.Error("outbox_event_dead_lettered",
				"event_id", env.ID,
				"order_id", env.OrderID,
				"event_type", env.Type,
				"attempts", env.Attempts+1,
				"error", err,
			)
			continue
		}
		if markErr := d.outbox.MarkEventFailed(ctx, env.ID); markErr != nil {
			d.logger.Error("outbox_mark_failed_error", "event_id", env.ID, "error", markErr)
		}
	}
	if published > 0 {
		d.logger.Debug("outbox_dispatched", "count", published)
	}
	return published, errors.Join(errs...)
}
