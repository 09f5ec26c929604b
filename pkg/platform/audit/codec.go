package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the JSON payload published on the exchange. Timestamps are
// milliseconds since the Unix epoch.
type wireEvent struct {
	ID         int64   `json:"id,omitempty"`
	Action     Action  `json:"action"`
	Timestamp  *int64  `json:"timestamp,omitempty"`
	ActorType  string  `json:"actorType"`
	ActorID    ID      `json:"actorId"`
	TargetType string  `json:"targetType"`
	TargetID   ID      `json:"targetId"`
	EventName  string  `json:"eventName,omitempty"`
	Changes    Changes `json:"changes,omitempty"`

	// Single-field shape emitted by older publishers.
	FieldName string          `json:"fieldName,omitempty"`
	PrevData  json.RawMessage `json:"prevData,omitempty"`
	NewData   json.RawMessage `json:"newData,omitempty"`
}

// Encode serializes e in the batched wire shape. The persisted ID is written
// only when set, so published events never carry one.
func Encode(e Event) ([]byte, error) {
	w := wireEvent{
		ID:         e.ID,
		Action:     e.Action,
		ActorType:  e.ActorType,
		ActorID:    e.ActorID,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		EventName:  e.EventName,
	}
	if !e.Timestamp.IsZero() {
		ms := e.Timestamp.UnixMilli()
		w.Timestamp = &ms
	}
	if len(e.Changes) > 0 {
		w.Changes = make(Changes, len(e.Changes))
		for field, c := range e.Changes {
			w.Changes[field] = Change{Prev: c.PrevJSON(), Next: c.NextJSON()}
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload into a validated Event. The legacy
// fieldName/prevData/newData shape decodes into a single-entry Changes.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	e := Event{
		ID:         w.ID,
		Action:     w.Action,
		ActorType:  w.ActorType,
		ActorID:    w.ActorID,
		TargetType: w.TargetType,
		TargetID:   w.TargetID,
		EventName:  w.EventName,
	}
	if w.Timestamp != nil {
		e.Timestamp = time.UnixMilli(*w.Timestamp).UTC()
	}

	if len(w.Changes) > 0 {
		e.Changes = make(Changes, len(w.Changes))
		for field, c := range w.Changes {
			e.Changes[field] = Change{Prev: c.PrevJSON(), Next: c.NextJSON()}
		}
	}
	if w.FieldName != "" {
		if e.Changes == nil {
			e.Changes = make(Changes, 1)
		}
		e.Changes[w.FieldName] = Change{Prev: NullIfEmpty(w.PrevData), Next: NullIfEmpty(w.NewData)}
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// MarshalJSON renders the event in its wire shape, including the persisted
// ID when present. History responses use this form.
func (e Event) MarshalJSON() ([]byte, error) {
	return Encode(e)
}
