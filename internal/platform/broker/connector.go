package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"auditlog/pkg/platform/audit/consumer"
)

// Connector dials the broker and declares the consumer topology on every
// connect.
type Connector struct {
	url      string
	topology Topology
	tag      string
}

// NewConnector creates a connector for url. tag names the consumer on the
// broker.
func NewConnector(url string, topology Topology, tag string) *Connector {
	return &Connector{url: url, topology: topology, tag: tag}
}

// Connect implements consumer.Connector.
func (c *Connector) Connect(ctx context.Context) (consumer.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareConsumerTopology(ch, c.topology); err != nil {
		conn.Close()
		return nil, err
	}
	return &session{
		conn:     conn,
		ch:       ch,
		queue:    c.topology.Queue,
		tag:      c.tag,
		chClosed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

type session struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	tag      string
	chClosed chan *amqp.Error
}

func (s *session) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	deliveries, err := s.ch.ConsumeWithContext(ctx, s.queue, s.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.queue, err)
	}
	return deliveries, nil
}

func (s *session) Err() error {
	select {
	case e, ok := <-s.chClosed:
		if ok && e != nil {
			return e
		}
	default:
	}
	return nil
}

func (s *session) Close() error {
	if !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}
