package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	audit "auditlog/pkg/platform/audit"
)

var (
	// ErrMalformedMessage marks a payload that does not decode to a valid event.
	ErrMalformedMessage = errors.New("malformed audit message")
	// ErrStorageFailure marks an event that could not be persisted.
	ErrStorageFailure = errors.New("audit storage failure")
)

// Store persists one event and its mutation rows atomically.
type Store interface {
	Append(ctx context.Context, event audit.Event) (int64, error)
}

// Handler decodes and persists one message body.
type Handler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a handler writing to store.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, now: time.Now}
}

// Handle decodes body and appends the event. The returned event carries the
// identifier assigned by the store. Errors match ErrMalformedMessage or
// ErrStorageFailure.
func (h *Handler) Handle(ctx context.Context, body []byte) (audit.Event, error) {
	event, err := audit.Decode(body)
	if err != nil {
		return audit.Event{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	// Older publishers did not stamp events.
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC().Truncate(time.Millisecond)
	}
	event.ID = 0

	id, err := h.store.Append(ctx, event)
	if err != nil {
		return audit.Event{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	event.ID = id

	h.logger.DebugContext(ctx, "stored audit event",
		"event_id", id,
		"action", event.Action,
		"target_type", event.TargetType,
		"target_id", event.TargetID.String(),
		"changes", len(event.Changes),
	)
	return event, nil
}
