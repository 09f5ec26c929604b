package history

import (
	"context"
	"errors"
	"testing"
	"time"

	audit "auditlog/pkg/platform/audit"
	"auditlog/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	RowSource
	mutationCalls int
	lastIDs       []int64
}

func (c *countingSource) MutationRows(ctx context.Context, ids []int64) ([]audit.MutationRow, error) {
	c.mutationCalls++
	c.lastIDs = ids
	return c.RowSource.MutationRows(ctx, ids)
}

type failingSource struct{ err error }

func (f failingSource) EventRows(context.Context, audit.Filter) ([]audit.EventRow, error) {
	return nil, f.err
}

func (f failingSource) MutationRows(context.Context, []int64) ([]audit.MutationRow, error) {
	return nil, f.err
}

func users(id int64) audit.Ref { return audit.Ref{Type: "users", ID: audit.IntID(id)} }

func change(t *testing.T, prev, next any) audit.Change {
	t.Helper()
	c, err := audit.NewChange(prev, next)
	require.NoError(t, err)
	return c
}

func seed(t *testing.T, store *memory.InMemoryStore, events ...audit.Event) {
	t.Helper()
	for _, ev := range events {
		_, err := store.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestForTarget_ReassemblesChanges(t *testing.T) {
	store := memory.NewInMemoryStore()
	ts := time.UnixMilli(1000).UTC()

	created, err := audit.NewCreated(users(1), users(42))
	require.NoError(t, err)
	changed, err := audit.NewChanged(users(1), users(42), audit.Changes{
		"name":      change(t, "Kael", "Kael Shipman"),
		"agreedTos": change(t, false, true),
	})
	require.NoError(t, err)
	other, err := audit.NewChanged(users(1), users(7), audit.Changes{"name": change(t, "a", "b")})
	require.NoError(t, err)

	seed(t, store, created.WithTimestamp(ts), other.WithTimestamp(ts), changed.WithTimestamp(ts))

	src := &countingSource{RowSource: store}
	seq, err := New(src).ForTarget(context.Background(), "users", audit.IntID(42))
	require.NoError(t, err)
	assert.Equal(t, 1, src.mutationCalls, "mutations fetched in one batch")
	assert.Equal(t, []int64{3}, src.lastIDs, "only changed events are fetched")

	events := seq.Collect()
	require.Len(t, events, 2)

	assert.Equal(t, audit.ActionCreated, events[0].Action)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Empty(t, events[0].Changes)

	assert.Equal(t, audit.ActionChanged, events[1].Action)
	assert.Equal(t, int64(3), events[1].ID)
	require.Len(t, events[1].Changes, 2)
	assert.JSONEq(t, `"Kael"`, string(events[1].Changes["name"].Prev))
	assert.JSONEq(t, `"Kael Shipman"`, string(events[1].Changes["name"].Next))
	assert.JSONEq(t, `false`, string(events[1].Changes["agreedTos"].Prev))
	assert.JSONEq(t, `true`, string(events[1].Changes["agreedTos"].Next))
}

func TestForTarget_NoChangedEventsSkipsMutationQuery(t *testing.T) {
	store := memory.NewInMemoryStore()
	viewed, err := audit.NewViewed(users(1), users(2))
	require.NoError(t, err)
	seed(t, store, viewed)

	src := &countingSource{RowSource: store}
	seq, err := New(src).ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)
	assert.Equal(t, 0, src.mutationCalls)
	assert.Equal(t, 1, seq.Len())
}

func TestForTarget_EmptyIsNotAnError(t *testing.T) {
	seq, err := New(memory.NewInMemoryStore()).ForTarget(context.Background(), "users", audit.IntID(404))
	require.NoError(t, err)
	assert.Equal(t, 0, seq.Len())
	assert.Empty(t, seq.Collect())
}

func TestForTarget_NullValuesDecodeToNull(t *testing.T) {
	store := memory.NewInMemoryStore()
	changed, err := audit.NewChanged(users(1), users(2), audit.Changes{
		"email": {Prev: nil, Next: []byte(`"a@b.c"`)},
	})
	require.NoError(t, err)
	seed(t, store, changed)

	seq, err := New(store).ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)
	events := seq.Collect()
	require.Len(t, events, 1)
	assert.Equal(t, "null", string(events[0].Changes["email"].Prev))
}

func TestSequence_IsSingleUse(t *testing.T) {
	store := memory.NewInMemoryStore()
	viewed, err := audit.NewViewed(users(1), users(2))
	require.NoError(t, err)
	seed(t, store, viewed, viewed)

	seq, err := New(store).ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)
	assert.Len(t, seq.Collect(), 2)
	assert.Empty(t, seq.Collect(), "second pass yields nothing")
}

func TestForTarget_Idempotent(t *testing.T) {
	store := memory.NewInMemoryStore()
	changed, err := audit.NewChanged(users(1), users(2), audit.Changes{"name": change(t, "a", "b")})
	require.NoError(t, err)
	deleted, err := audit.NewDeleted(users(1), users(2))
	require.NoError(t, err)
	seed(t, store, changed, deleted)

	r := New(store)
	first, err := r.ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)
	second, err := r.ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)
	assert.Equal(t, first.Collect(), second.Collect())
}

func TestForTarget_MatchesStringAndIntegerIDs(t *testing.T) {
	store := memory.NewInMemoryStore()
	viewed, err := audit.NewViewed(users(1), audit.Ref{Type: "users", ID: audit.StringID("42")})
	require.NoError(t, err)
	seed(t, store, viewed)

	seq, err := New(store).ForTarget(context.Background(), "users", audit.IntID(42))
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())
}

func TestByActor(t *testing.T) {
	store := memory.NewInMemoryStore()
	a, err := audit.NewViewed(users(1), users(2))
	require.NoError(t, err)
	b, err := audit.NewDeleted(users(3), users(2))
	require.NoError(t, err)
	c, err := audit.NewCreated(users(1), users(9))
	require.NoError(t, err)
	seed(t, store, a, b, c)

	seq, err := New(store).ByActor(context.Background(), "users", audit.IntID(1))
	require.NoError(t, err)
	events := seq.Collect()
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionViewed, events[0].Action)
	assert.Equal(t, audit.ActionCreated, events[1].Action)
}

func TestForTarget_SourceError(t *testing.T) {
	boom := errors.New("db down")
	_, err := New(failingSource{err: boom}).ForTarget(context.Background(), "users", audit.IntID(1))
	assert.ErrorIs(t, err, boom)
}

func TestSequence_StopsEarly(t *testing.T) {
	store := memory.NewInMemoryStore()
	viewed, err := audit.NewViewed(users(1), users(2))
	require.NoError(t, err)
	seed(t, store, viewed, viewed, viewed)

	seq, err := New(store).ForTarget(context.Background(), "users", audit.IntID(2))
	require.NoError(t, err)

	n := 0
	for range seq.All() {
		n++
		break
	}
	assert.Equal(t, 1, n)
}
