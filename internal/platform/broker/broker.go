// Package broker owns the AMQP connection and the audit topology declared on
// it: the topic exchange, the audit queue and its dead-letter pair.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"auditlog/internal/platform/config"
	"auditlog/pkg/platform/sentinel"
)

const exchangeKind = "topic"

// ErrQueueMismatch is returned when the audit queue already exists with
// arguments that differ from the ones the auditor declares, typically a
// queue created before dead-lettering was configured. The broker refuses the
// redeclare until the queue is deleted once.
var ErrQueueMismatch = errors.New("audit queue declared with different arguments")

// Topology names the exchanges and queues the audit pipeline uses.
type Topology struct {
	Exchange           string
	Queue              string
	BindingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	Prefetch           int
}

// TopologyFrom builds a Topology from configuration.
func TopologyFrom(cfg config.AMQP) Topology {
	return Topology{
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		BindingKey:         cfg.BindingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		Prefetch:           cfg.Prefetch,
	}
}

// DeclareExchange declares the non-durable topic exchange publishers write to.
func DeclareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, exchangeKind, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareConsumerTopology declares the exchange, the audit queue bound to it,
// and the durable dead-letter exchange and queue that receive rejected
// messages.
func DeclareConsumerTopology(ch *amqp.Channel, t Topology) error {
	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	if _, err := ch.QueueDeclare(t.Queue, false, false, false, false, args); err != nil {
		return queueDeclareError(t, err)
	}
	if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.Queue, t.BindingKey, err)
	}

	prefetch := t.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	return nil
}

// queueDeclareError names the one-time fix when the broker rejects the queue
// declaration with PRECONDITION_FAILED.
func queueDeclareError(t Topology, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: queue %s must be deleted once so it can be redeclared with x-dead-letter-exchange=%s: %w",
			ErrQueueMismatch, t.Queue, t.DeadLetterExchange, err)
	}
	return fmt.Errorf("declare queue %s: %w", t.Queue, err)
}

// PublishConn is a publishing connection to one exchange. The channel is
// reopened on the next publish after the broker closes it.
type PublishConn struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// DialPublisher connects to url and declares exchange. It fails when the
// broker is unreachable.
func DialPublisher(url, exchange string) (*PublishConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	p := &PublishConn{conn: conn, exchange: exchange}
	if _, err := p.channel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *PublishConn) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn.IsClosed() {
		return nil, fmt.Errorf("broker connection: %w", sentinel.ErrClosed)
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareExchange(ch, p.exchange); err != nil {
		ch.Close()
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// PublishWithContext publishes msg on the current channel.
func (p *PublishConn) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Close closes the channel and the connection.
func (p *PublishConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil && !p.ch.IsClosed() {
		errs = append(errs, p.ch.Close())
	}
	if !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
