package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, env *Envelope) error {
	p.Logger.InfoContext(ctx, "event_published",
		"event_id", env.ID,
		"event_type", env.Type,
		"order_id", env.OrderID,
		"payload", string(env.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory and fans them out to
// subscribers. Used by tests and single-process deployments.
type Recorder struct {
	mu       sync.Mutex
	events   []*Envelope
	handlers []func(*Envelope)
}

func (r *Recorder) Publish(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, env)
	handlers := append([]func(*Envelope){}, r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

// Subscribe registers h for every future event.
func (r *Recorder) Subscribe(h func(*Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// ErrPublishNacked is returned when the broker refuses a message.
var ErrPublishNacked = errors.New("message was nacked by broker")

// ErrConfirmTimeout is returned when the broker neither acks nor nacks in
// time. The event stays pending and is published again later.
var ErrConfirmTimeout = errors.New("broker confirmation timed out")

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 5 * time.Second

// confirmChannel is the part of *amqp.Channel the publisher needs.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes to a topic exchange using the event type as the
// routing key. The channel runs in confirm mode and Publish returns only
// once the broker has acked the message.
type RabbitPublisher struct {
	conn     io.Closer
	mu       sync.Mutex
	ch       confirmChannel
	confirms chan amqp.Confirmation
	// tag is the delivery tag of the last message sent on ch.
	tag      uint64
	exchange string
	timeout  time.Duration
}

// NewRabbitPublisher dials url, declares a durable topic exchange and puts
// the channel into confirm mode.
func NewRabbitPublisher(url, exchange string, confirmTimeout time.Duration) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	p, err := newRabbitPublisher(ch, exchange, confirmTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch confirmChannel, exchange string, confirmTimeout time.Duration) (*RabbitPublisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 256))
	return &RabbitPublisher{ch: ch, confirms: confirms, exchange: exchange, timeout: confirmTimeout}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx, p.exchange, env.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.CreatedAt,
		Type:         env.Type,
		Headers:      amqp.Table{"order_id": env.OrderID},
		Body:         env.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.tag++
	return p.waitForConfirm(ctx, p.tag)
}

// waitForConfirm blocks until the confirmation for tag arrives. Late
// confirmations of earlier, timed-out messages are skipped.
func (p *RabbitPublisher) waitForConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return errors.New("rabbitmq channel closed before confirmation")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, c.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: delivery_tag=%d", ErrConfirmTimeout, tag)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *RabbitPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		return errors.Join(err, p.conn.Close())
	}
	return err
}

// KafkaPublisher writes events keyed by order id so each order's events stay
// in one partition, in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, env *Envelope) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.OrderID),
		Value: env.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.ID)},
			{Key: "event_type", Value: []byte(env.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
