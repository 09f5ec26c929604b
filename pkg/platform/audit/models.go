package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned when an event violates the shape rules for its action.
var ErrInvalidEvent = errors.New("invalid audit event")

// Action discriminates the four event variants.
type Action string

const (
	// ActionViewed records a read of the target by the actor.
	ActionViewed Action = "viewed"
	// ActionCreated records the creation of the target.
	ActionCreated Action = "created"
	// ActionDeleted records the removal of the target.
	ActionDeleted Action = "deleted"
	// ActionChanged records a field-level mutation of the target. It is the
	// only variant that carries Changes.
	ActionChanged Action = "changed"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionViewed, ActionCreated, ActionDeleted, ActionChanged:
		return true
	}
	return false
}

// Change holds the before and after values of one field as canonical JSON.
// A nil or empty value is the JSON null.
type Change struct {
	Prev json.RawMessage `json:"prev"`
	Next json.RawMessage `json:"next"`
}

// NewChange marshals prev and next into a Change.
func NewChange(prev, next any) (Change, error) {
	p, err := json.Marshal(prev)
	if err != nil {
		return Change{}, fmt.Errorf("marshal prev value: %w", err)
	}
	n, err := json.Marshal(next)
	if err != nil {
		return Change{}, fmt.Errorf("marshal next value: %w", err)
	}
	return Change{Prev: p, Next: n}, nil
}

// PrevJSON returns Prev, substituting null for an empty value.
func (c Change) PrevJSON() json.RawMessage { return NullIfEmpty(c.Prev) }

// NextJSON returns Next, substituting null for an empty value.
func (c Change) NextJSON() json.RawMessage { return NullIfEmpty(c.Next) }

// NullIfEmpty returns raw, or the JSON null when raw is empty.
func NullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Changes maps a field name to its before/after pair. All fields in one
// Changes value were changed together by a single request.
type Changes map[string]Change

// Ref identifies one side of an event: who acted, or what was acted upon.
type Ref struct {
	Type string
	ID   ID
}

// Event is an immutable record of one action taken on an entity by an actor.
// Build it with one of the New* constructors; the zero value is not valid.
type Event struct {
	// ID is the persisted identifier. Zero until the auditor stores the event.
	ID         int64
	Action     Action
	Timestamp  time.Time
	ActorType  string
	ActorID    ID
	TargetType string
	TargetID   ID
	EventName  string
	Changes    Changes
}

// NewViewed builds a viewed event.
func NewViewed(actor, target Ref) (Event, error) {
	return newEvent(ActionViewed, actor, target, nil)
}

// NewCreated builds a created event.
func NewCreated(actor, target Ref) (Event, error) {
	return newEvent(ActionCreated, actor, target, nil)
}

// NewDeleted builds a deleted event.
func NewDeleted(actor, target Ref) (Event, error) {
	return newEvent(ActionDeleted, actor, target, nil)
}

// NewChanged builds one batched changed event carrying every field the
// request modified. changes must not be empty.
func NewChanged(actor, target Ref, changes Changes) (Event, error) {
	return newEvent(ActionChanged, actor, target, changes)
}

func newEvent(action Action, actor, target Ref, changes Changes) (Event, error) {
	ev := Event{
		Action:     action,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		TargetType: target.Type,
		TargetID:   target.ID,
		Changes:    changes,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// WithEventName returns a copy of e tagged with a standard event name that
// consumers can map to localized descriptions.
func (e Event) WithEventName(name string) Event {
	e.EventName = name
	return e
}

// WithTimestamp returns a copy of e with the given timestamp.
func (e Event) WithTimestamp(ts time.Time) Event {
	e.Timestamp = ts
	return e
}

// Validate checks the envelope and the action-specific payload rules.
func (e Event) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	}
	if e.ActorType == "" || e.ActorID.IsZero() {
		return fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	}
	if e.TargetType == "" || e.TargetID.IsZero() {
		return fmt.Errorf("%w: target is required", ErrInvalidEvent)
	}
	if e.Action == ActionChanged {
		if len(e.Changes) == 0 {
			return fmt.Errorf("%w: changed event requires at least one change", ErrInvalidEvent)
		}
		for field := range e.Changes {
			if field == "" {
				return fmt.Errorf("%w: change with empty field name", ErrInvalidEvent)
			}
		}
		return nil
	}
	if len(e.Changes) > 0 {
		return fmt.Errorf("%w: %s event must not carry changes", ErrInvalidEvent, e.Action)
	}
	return nil
}

// Filter selects persisted events by target or by actor. Exactly one side is
// expected to be set.
type Filter struct {
	TargetType string
	TargetID   ID
	ActorType  string
	ActorID    ID
}

// ByTarget selects every event whose target is (targetType, targetID).
func ByTarget(targetType string, targetID ID) Filter {
	return Filter{TargetType: targetType, TargetID: targetID}
}

// ByActor selects every event performed by (actorType, actorID).
func ByActor(actorType string, actorID ID) Filter {
	return Filter{ActorType: actorType, ActorID: actorID}
}

// IsActor reports whether f selects by actor.
func (f Filter) IsActor() bool { return f.ActorType != "" }

// EventRow is the persisted representation of an event's metadata.
type EventRow struct {
	ID         int64
	Action     Action
	Timestamp  time.Time
	ActorType  string
	ActorID    ID
	TargetType string
	TargetID   ID
	EventName  string
}

// Event converts the row back into an Event without changes.
func (r EventRow) Event() Event {
	return Event{
		ID:         r.ID,
		Action:     r.Action,
		Timestamp:  r.Timestamp,
		ActorType:  r.ActorType,
		ActorID:    r.ActorID,
		TargetType: r.TargetType,
		TargetID:   r.TargetID,
		EventName:  r.EventName,
	}
}

// RowFromEvent builds the event row for e under the given identifier.
func RowFromEvent(id int64, e Event) EventRow {
	return EventRow{
		ID:         id,
		Action:     e.Action,
		Timestamp:  e.Timestamp,
		ActorType:  e.ActorType,
		ActorID:    e.ActorID,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		EventName:  e.EventName,
	}
}

// MutationRow is one changed field of a persisted changed event.
type MutationRow struct {
	EventID   int64
	FieldName string
	PrevValue json.RawMessage
	NextValue json.RawMessage
}
