// Package history reassembles persisted audit rows into the events that were
// originally published.
package history

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	audit "auditlog/pkg/platform/audit"
)

// RowSource is the read side of an audit store.
type RowSource interface {
	EventRows(ctx context.Context, f audit.Filter) ([]audit.EventRow, error)
	MutationRows(ctx context.Context, eventIDs []int64) ([]audit.MutationRow, error)
}

// Reconstructor answers history queries against persisted rows.
type Reconstructor struct {
	source RowSource
}

// New creates a Reconstructor over source.
func New(source RowSource) *Reconstructor {
	return &Reconstructor{source: source}
}

// ForTarget returns every event recorded against (targetType, targetID) in
// persistence order. It does not check that the target exists.
func (r *Reconstructor) ForTarget(ctx context.Context, targetType string, targetID audit.ID) (*Sequence, error) {
	return r.load(ctx, audit.ByTarget(targetType, targetID))
}

// ByActor returns every event performed by (actorType, actorID) in
// persistence order.
func (r *Reconstructor) ByActor(ctx context.Context, actorType string, actorID audit.ID) (*Sequence, error) {
	return r.load(ctx, audit.ByActor(actorType, actorID))
}

func (r *Reconstructor) load(ctx context.Context, f audit.Filter) (*Sequence, error) {
	rows, err := r.source.EventRows(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load event rows: %w", err)
	}

	var changedIDs []int64
	for _, row := range rows {
		if row.Action == audit.ActionChanged {
			changedIDs = append(changedIDs, row.ID)
		}
	}

	var mutations map[int64][]audit.MutationRow
	if len(changedIDs) > 0 {
		mrows, err := r.source.MutationRows(ctx, changedIDs)
		if err != nil {
			return nil, fmt.Errorf("load mutation rows: %w", err)
		}
		mutations = make(map[int64][]audit.MutationRow, len(changedIDs))
		for _, m := range mrows {
			mutations[m.EventID] = append(mutations[m.EventID], m)
		}
	}

	return &Sequence{rows: rows, mutations: mutations}, nil
}

// Sequence is a finite, single-use stream of reconstructed events. Events
// are assembled as they are yielded.
type Sequence struct {
	rows      []audit.EventRow
	mutations map[int64][]audit.MutationRow
	consumed  atomic.Bool
}

// Len returns the number of events the sequence holds.
func (s *Sequence) Len() int { return len(s.rows) }

// All yields each event once. Ranging over it a second time yields nothing.
func (s *Sequence) All() iter.Seq[audit.Event] {
	return func(yield func(audit.Event) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			return
		}
		for _, row := range s.rows {
			if !yield(s.assemble(row)) {
				return
			}
		}
	}
}

// Collect drains the sequence into a slice.
func (s *Sequence) Collect() []audit.Event {
	out := make([]audit.Event, 0, len(s.rows))
	for ev := range s.All() {
		out = append(out, ev)
	}
	return out
}

func (s *Sequence) assemble(row audit.EventRow) audit.Event {
	ev := row.Event()
	if row.Action != audit.ActionChanged {
		return ev
	}
	ms := s.mutations[row.ID]
	ev.Changes = make(audit.Changes, len(ms))
	for _, m := range ms {
		ev.Changes[m.FieldName] = audit.Change{
			Prev: audit.NullIfEmpty(m.PrevValue),
			Next: audit.NullIfEmpty(m.NextValue),
		}
	}
	return ev
}
