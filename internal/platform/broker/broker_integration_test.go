//go:build integration

package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"

	"auditlog/internal/platform/broker"
	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/consumer"
	"auditlog/pkg/platform/audit/history"
	"auditlog/pkg/platform/audit/publisher"
	"auditlog/pkg/platform/audit/store/postgres"
	"auditlog/pkg/testutil/containers"
)

type PipelineSuite struct {
	suite.Suite
	rabbit   *containers.RabbitMQContainer
	postgres *containers.PostgresContainer
	redis    *containers.RedisContainer
	store    *postgres.Store
}

func TestPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.rabbit = mgr.GetRabbitMQ(s.T())
	s.postgres = mgr.GetPostgres(s.T())
	s.redis = mgr.GetRedis(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PipelineSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx, "audit_mutations", "audit_events"))
	s.Require().NoError(s.redis.FlushAll(ctx))
}

// topology returns names unique to the running test so suites sharing the
// broker never see each other's messages.
func (s *PipelineSuite) topology() broker.Topology {
	suffix := fmt.Sprintf("%s-%d", s.T().Name(), time.Now().UnixNano())
	return broker.Topology{
		Exchange:           "api-stream-" + suffix,
		Queue:              "data-mutation-audits-" + suffix,
		BindingKey:         "*.data.mutated",
		DeadLetterExchange: "api-stream.dead-letter-" + suffix,
		DeadLetterQueue:    "data-mutation-audits.dead-letter-" + suffix,
		Prefetch:           1,
	}
}

func (s *PipelineSuite) startConsumer(topo broker.Topology, maxDeliveries int) *consumer.Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := consumer.New(
		broker.NewConnector(s.rabbit.URL, topo, "auditor-test"),
		consumer.NewHandler(s.store, nil),
		consumer.WithTracker(consumer.NewRedisTracker(s.redis.Client, time.Hour)),
		consumer.WithMaxDeliveries(maxDeliveries),
		consumer.WithRetryDelay(10*time.Millisecond),
	)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	s.T().Cleanup(func() {
		cancel()
		s.NoError(<-done)
	})

	s.Require().Eventually(func() bool {
		return c.State() == consumer.StateConsuming
	}, 30*time.Second, 50*time.Millisecond, "consumer never reached consuming")
	return c
}

func (s *PipelineSuite) TestPublishedEventIsPersisted() {
	topo := s.topology()
	s.startConsumer(topo, consumer.DefaultMaxDeliveries)

	conn, err := broker.DialPublisher(s.rabbit.URL, topo.Exchange)
	s.Require().NoError(err)
	defer conn.Close()

	pub := publisher.New(conn, publisher.WithExchange(topo.Exchange))
	actor := audit.Ref{Type: "users", ID: audit.IntID(1)}
	target := audit.Ref{Type: "users", ID: audit.IntID(42)}
	ev, err := audit.NewChanged(actor, target, audit.Changes{
		"name": {Prev: []byte(`"Kael"`), Next: []byte(`"Kael Shipman"`)},
	})
	s.Require().NoError(err)
	s.Require().NoError(pub.Publish(context.Background(), ev))

	reconstructor := history.New(s.store)
	s.Require().Eventually(func() bool {
		seq, err := reconstructor.ForTarget(context.Background(), "users", audit.IntID(42))
		return err == nil && seq.Len() == 1
	}, 30*time.Second, 100*time.Millisecond)

	seq, err := reconstructor.ForTarget(context.Background(), "users", audit.IntID(42))
	s.Require().NoError(err)
	events := seq.Collect()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionChanged, events[0].Action)
	s.False(events[0].Timestamp.IsZero())
	s.JSONEq(`"Kael Shipman"`, string(events[0].Changes["name"].Next))
}

func (s *PipelineSuite) TestMalformedMessageIsDeadLettered() {
	topo := s.topology()
	s.startConsumer(topo, 3)

	conn, err := broker.DialPublisher(s.rabbit.URL, topo.Exchange)
	s.Require().NoError(err)
	defer conn.Close()

	err = conn.PublishWithContext(context.Background(), topo.Exchange, publisher.RoutingKey("api"), false, false,
		amqp.Publishing{ContentType: "application/json", MessageId: "poison-1", Body: []byte(`{"action":`)})
	s.Require().NoError(err)

	ch, err := s.rabbit.Dial(s.T()).Channel()
	s.Require().NoError(err)
	defer ch.Close()

	var dead amqp.Delivery
	s.Require().Eventually(func() bool {
		d, ok, err := ch.Get(topo.DeadLetterQueue, true)
		if err != nil || !ok {
			return false
		}
		dead = d
		return true
	}, 30*time.Second, 100*time.Millisecond, "message never reached the dead-letter queue")

	s.Equal("poison-1", dead.MessageId)
	s.Equal(`{"action":`, string(dead.Body))

	rows, err := s.store.EventRows(context.Background(), audit.ByActor("users", audit.IntID(1)))
	s.Require().NoError(err)
	s.Empty(rows)

	s.Eventually(func() bool {
		keys, err := s.redis.Client.Keys(context.Background(), "audit:deliveries:*").Result()
		return err == nil && len(keys) == 0
	}, 5*time.Second, 50*time.Millisecond, "attempt count is forgotten once dead-lettered")
}

func (s *PipelineSuite) TestLegacyQueueWithoutDeadLetterIsReported() {
	topo := s.topology()

	ch, err := s.rabbit.Dial(s.T()).Channel()
	s.Require().NoError(err)
	_, err = ch.QueueDeclare(topo.Queue, false, false, false, false, nil)
	s.Require().NoError(err)
	defer func() { _, _ = ch.QueueDelete(topo.Queue, false, false, false) }()

	_, err = broker.NewConnector(s.rabbit.URL, topo, "auditor-test").Connect(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, broker.ErrQueueMismatch)
}
