// Package publisher emits audit events to the broker's topic exchange.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/propagation"
)

const (
	// DefaultExchange is the topic exchange audit events are published to.
	DefaultExchange = "api-stream"
	// DefaultDomain identifies the subsystem that originates the events.
	DefaultDomain = "api"

	contentType = "application/json"
)

// ErrTransportUnavailable is returned when the broker channel does not
// accept a message.
var ErrTransportUnavailable = errors.New("audit transport unavailable")

// Channel is the subset of an AMQP channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Metrics receives publish outcomes.
type Metrics interface {
	IncPublished(action string)
	IncPublishFailures()
}

// RoutingKey returns the key events from domain are published under.
func RoutingKey(domain string) string {
	return domain + ".data.mutated"
}

// Publisher serializes events and publishes each one as a single message.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	key      string
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	metrics  Metrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(p *Publisher) { p.exchange = name }
}

// WithDomain sets the origin domain used in the routing key.
func WithDomain(domain string) Option {
	return func(p *Publisher) { p.key = RoutingKey(domain) }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithMetrics records publish outcomes.
func WithMetrics(m Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a publisher writing to ch.
func New(ch Channel, opts ...Option) *Publisher {
	p := &Publisher{
		ch:       ch,
		exchange: DefaultExchange,
		key:      RoutingKey(DefaultDomain),
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stamps, validates and encodes event, then hands it to the broker.
// It returns once the channel accepts the message; persistence happens
// downstream.
func (p *Publisher) Publish(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now().UTC().Truncate(time.Millisecond)
	}
	event.ID = 0
	if err := event.Validate(); err != nil {
		return err
	}
	body, err := audit.Encode(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Transient,
		MessageId:    p.newID(),
		Timestamp:    event.Timestamp,
		Type:         string(event.Action),
		Headers:      propagation.Inject(ctx, nil),
		Body:         body,
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, p.key, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncPublishFailures()
		}
		return fmt.Errorf("%w: publish to %s: %w", ErrTransportUnavailable, p.exchange, err)
	}

	if p.metrics != nil {
		p.metrics.IncPublished(string(event.Action))
	}
	p.logger.DebugContext(ctx, "published audit event",
		"message_id", msg.MessageId,
		"action", event.Action,
		"target_type", event.TargetType,
		"target_id", event.TargetID.String(),
	)
	return nil
}
