package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryTracker counts failed processing attempts per message.
type DeliveryTracker interface {
	// Increment records one failed attempt and returns the total so far.
	Increment(ctx context.Context, key string) (int, error)
	// Forget drops the count once the message leaves the queue.
	Forget(ctx context.Context, key string) error
}

// deliveryKey identifies a message across redeliveries: the publisher's
// message id, or a digest of the body when the id is absent.
func deliveryKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return "id:" + d.MessageId
	}
	sum := sha256.Sum256(d.Body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// brokerDeliveryCount reads the count quorum queues attach to redelivered
// messages. Classic queues do not set it.
func brokerDeliveryCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 0
}

// MemoryTracker keeps attempt counts in process. Counts are lost on restart.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counts: make(map[string]int)}
}

func (t *MemoryTracker) Increment(_ context.Context, key string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	return t.counts[key], nil
}

func (t *MemoryTracker) Forget(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, key)
	return nil
}

// Len returns the number of messages with outstanding attempts.
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
