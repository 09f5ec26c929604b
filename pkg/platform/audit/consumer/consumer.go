// Package consumer receives audit events from the broker and persists them,
// acknowledging each message only after it is stored.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditlog/pkg/platform/audit/propagation"
)

// State is the position of the consumer in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateBound
	StateConsuming
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DefaultMaxDeliveries is how many times a message is attempted before it
// is dead-lettered.
const DefaultMaxDeliveries = 5

var errSessionEnded = errors.New("delivery channel closed")

// Session is one broker connection with the audit topology declared.
type Session interface {
	// Consume starts delivery with manual acknowledgement. The channel is
	// closed when the session ends.
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	// Err returns why the session ended, if the broker reported a reason.
	Err() error
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Metrics receives consumer outcomes.
type Metrics interface {
	IncPersisted(action string)
	IncConsumeFailure(kind string)
	IncDeadLettered()
	IncRedelivered()
	SetConsumerState(state int)
	ObservePersistDuration(seconds float64)
}

// Consumer drives the connect/consume loop and applies the acknowledgement
// and dead-letter policy to each delivery.
type Consumer struct {
	connector     Connector
	handler       *Handler
	tracker       DeliveryTracker
	maxDeliveries int
	retryDelay    time.Duration
	newBackOff    func() backoff.BackOff
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	state         atomic.Int32
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithTracker sets the attempt counter. Defaults to a MemoryTracker.
func WithTracker(t DeliveryTracker) Option {
	return func(c *Consumer) { c.tracker = t }
}

// WithMaxDeliveries sets how many attempts a message gets before it is
// dead-lettered.
func WithMaxDeliveries(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxDeliveries = n
		}
	}
}

// WithRetryDelay pauses before a failed message is requeued.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Consumer) { c.retryDelay = d }
}

// WithBackOff sets the reconnect policy.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Consumer) { c.newBackOff = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithMetrics records consumer outcomes.
func WithMetrics(m Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New creates a consumer.
func New(connector Connector, handler *Handler, opts ...Option) *Consumer {
	c := &Consumer{
		connector:     connector,
		handler:       handler,
		tracker:       NewMemoryTracker(),
		maxDeliveries: DefaultMaxDeliveries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: slog.Default(),
		tracer: otel.Tracer("auditlog/consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.SetConsumerState(int(s))
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the session is lost. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	bo := backoff.WithContext(c.newBackOff(), ctx)

	for {
		c.setState(StateConnecting)
		session, err := c.connector.Connect(ctx)
		if err != nil {
			if !c.wait(ctx, bo, "connect to broker", err) {
				return nil
			}
			continue
		}
		c.setState(StateBound)

		deliveries, err := session.Consume(ctx)
		if err != nil {
			session.Close()
			if !c.wait(ctx, bo, "start consuming", err) {
				return nil
			}
			continue
		}
		c.setState(StateConsuming)
		c.logger.InfoContext(ctx, "consuming audit events")

		processed := c.consume(ctx, deliveries)
		reason := session.Err()
		session.Close()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		// A session only counts as healthy once it delivered something.
		if processed > 0 {
			bo.Reset()
		}
		if reason == nil {
			reason = errSessionEnded
		}
		if !c.wait(ctx, bo, "session lost", reason) {
			return nil
		}
	}
}

// wait sleeps for the next backoff interval. It reports false when the
// consumer should stop.
func (c *Consumer) wait(ctx context.Context, bo backoff.BackOff, op string, err error) bool {
	c.setState(StateDisconnected)
	if ctx.Err() != nil {
		return false
	}
	next := bo.NextBackOff()
	if next == backoff.Stop {
		return false
	}
	c.logger.WarnContext(ctx, "broker unavailable, retrying",
		"op", op,
		"retry_in", next,
		"error", err,
	)
	t := time.NewTimer(next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// consume drains deliveries until the channel closes or ctx is done and
// returns how many deliveries it handled.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) int {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return processed
		case d, ok := <-deliveries:
			if !ok {
				return processed
			}
			c.setState(StateProcessing)
			c.process(ctx, d)
			processed++
			c.setState(StateConsuming)
		}
	}
}

// process handles one delivery to completion. Shutdown does not interrupt
// the store write; it only skips the retry delay.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	workCtx := propagation.Extract(context.WithoutCancel(ctx), d.Headers)
	workCtx, span := c.tracer.Start(workCtx, "audit.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
		),
	)
	defer span.End()

	key := deliveryKey(d)
	start := time.Now()
	event, err := c.handler.Handle(workCtx, d.Body)
	if err == nil {
		if c.metrics != nil {
			c.metrics.ObservePersistDuration(time.Since(start).Seconds())
			c.metrics.IncPersisted(string(event.Action))
		}
		span.SetAttributes(attribute.Int64("audit.event_id", event.ID))
		if err := d.Ack(false); err != nil {
			c.logger.ErrorContext(workCtx, "failed to ack audit message",
				"delivery_tag", d.DeliveryTag,
				"event_id", event.ID,
				"error", err,
			)
		}
		c.forget(workCtx, key)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := failureKind(err)
	if c.metrics != nil {
		c.metrics.IncConsumeFailure(kind)
	}

	attempts, terr := c.tracker.Increment(workCtx, key)
	if terr != nil {
		c.logger.WarnContext(workCtx, "delivery tracker unavailable", "error", terr)
	}
	if n := brokerDeliveryCount(d) + 1; n > attempts {
		attempts = n
	}
	if attempts < 1 {
		attempts = 1
	}

	if attempts >= c.maxDeliveries {
		c.logger.ErrorContext(workCtx, "dead-lettering audit message",
			"delivery_tag", d.DeliveryTag,
			"message_id", d.MessageId,
			"kind", kind,
			"attempts", attempts,
			"error", err,
		)
		if nerr := d.Nack(false, false); nerr != nil {
			c.logger.ErrorContext(workCtx, "failed to reject audit message",
				"delivery_tag", d.DeliveryTag,
				"error", nerr,
			)
			return
		}
		if c.metrics != nil {
			c.metrics.IncDeadLettered()
		}
		c.forget(workCtx, key)
		return
	}

	c.logger.WarnContext(workCtx, "audit message failed, requeueing",
		"delivery_tag", d.DeliveryTag,
		"message_id", d.MessageId,
		"kind", kind,
		"attempts", attempts,
		"max_deliveries", c.maxDeliveries,
		"error", err,
	)
	c.pause(ctx)
	if nerr := d.Nack(false, true); nerr != nil {
		c.logger.ErrorContext(workCtx, "failed to requeue audit message",
			"delivery_tag", d.DeliveryTag,
			"error", nerr,
		)
		return
	}
	if c.metrics != nil {
		c.metrics.IncRedelivered()
	}
}

func (c *Consumer) pause(ctx context.Context) {
	if c.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) forget(ctx context.Context, key string) {
	if err := c.tracker.Forget(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "failed to clear delivery count", "error", err)
	}
}

func failureKind(err error) string {
	if errors.Is(err, ErrMalformedMessage) {
		return "malformed"
	}
	return "storage"
}
