package publisher

import (
	"context"
	"errors"
	"log/slog"

	audit "auditlog/pkg/platform/audit"
)

// EventPublisher publishes one event.
type EventPublisher interface {
	Publish(ctx context.Context, event audit.Event) error
}

// Emitter publishes events on behalf of request handlers. Failures are logged
// and never returned, so the triggering write still succeeds. While the
// breaker is open events are dropped without touching the broker.
type Emitter struct {
	pub     EventPublisher
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewEmitter wraps pub. A nil breaker disables short-circuiting.
func NewEmitter(pub EventPublisher, breaker *CircuitBreaker, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, breaker: breaker, logger: logger}
}

// Emit publishes event, logging instead of failing.
func (e *Emitter) Emit(ctx context.Context, event audit.Event) {
	if e.breaker != nil && !e.breaker.Allow() {
		e.logger.WarnContext(ctx, "audit transport circuit open, dropping event",
			"action", event.Action,
			"target_type", event.TargetType,
			"target_id", event.TargetID.String(),
		)
		return
	}

	if err := e.pub.Publish(ctx, event); err != nil {
		// Only broker failures say anything about the transport.
		if e.breaker != nil {
			if errors.Is(err, ErrTransportUnavailable) {
				e.breaker.RecordFailure()
			} else {
				e.breaker.ReleaseProbe()
			}
		}
		e.logger.ErrorContext(ctx, "failed to publish audit event",
			"action", event.Action,
			"target_type", event.TargetType,
			"target_id", event.TargetID.String(),
			"error", err,
		)
		return
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
}
