package memory

import (
	"context"
	"sort"
	"sync"

	audit "auditlog/pkg/platform/audit"
)

// InMemoryStore keeps event and mutation rows in process. Identifiers are
// assigned in append order, so row order matches persistence order.
type InMemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	events    []audit.EventRow
	mutations map[int64][]audit.MutationRow
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mutations: make(map[int64][]audit.MutationRow)}
}

// Append stores the event row and its mutation rows atomically.
func (s *InMemoryStore) Append(ctx context.Context, event audit.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.events = append(s.events, audit.RowFromEvent(id, event))

	if event.Action == audit.ActionChanged {
		fields := make([]string, 0, len(event.Changes))
		for f := range event.Changes {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		rows := make([]audit.MutationRow, 0, len(fields))
		for _, f := range fields {
			c := event.Changes[f]
			rows = append(rows, audit.MutationRow{
				EventID:   id,
				FieldName: f,
				PrevValue: append([]byte(nil), c.PrevJSON()...),
				NextValue: append([]byte(nil), c.NextJSON()...),
			})
		}
		s.mutations[id] = rows
	}
	return id, nil
}

// EventRows returns the rows matching f in ascending identifier order.
func (s *InMemoryStore) EventRows(_ context.Context, f audit.Filter) ([]audit.EventRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.EventRow
	for _, row := range s.events {
		if f.IsActor() {
			if row.ActorType == f.ActorType && row.ActorID.String() == f.ActorID.String() {
				out = append(out, row)
			}
			continue
		}
		if row.TargetType == f.TargetType && row.TargetID.String() == f.TargetID.String() {
			out = append(out, row)
		}
	}
	return out, nil
}

// MutationRows returns the mutation rows for the given events.
func (s *InMemoryStore) MutationRows(_ context.Context, eventIDs []int64) ([]audit.MutationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := append([]int64(nil), eventIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []audit.MutationRow
	for _, id := range ids {
		out = append(out, s.mutations[id]...)
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
