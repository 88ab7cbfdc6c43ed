package change

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/pkg/proto"
)

var loc = proto.Location{Address: "a", Schema: "s", Table: "story"}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(DefaultConfig())
	require.NoError(t, err)
	return q
}

func TestQueue_MergesUndispatchedWrites(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	first := NewStorage(loc, []proto.Object{{"id": 7, "gn": 3, "title": "a"}}, now)
	c := q.Add(first, nil, now)
	require.NotNil(t, c)

	second := NewStorage(loc, []proto.Object{{"id": 7, "gn": 3, "title": "b"}, {"id": 8, "gn": 1}}, now)
	assert.Same(t, c, q.Add(second, nil, now))

	objects := c.Objects()
	require.Len(t, objects, 2)
	assert.Equal(t, "b", objects[0]["title"], "the newer write replaces the queued one in place")
	assert.Equal(t, int64(8), objects[1].ID())
	assert.Equal(t, 1, q.Len())

	// Other tables get their own change
	other := NewStorage(proto.Location{Address: "a", Schema: "s", Table: "comment"}, []proto.Object{{"id": 1}}, now)
	assert.NotSame(t, c, q.Add(other, nil, now))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DispatchedChangeIsNotMerged(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	c := q.Add(NewStorage(loc, []proto.Object{{"id": 7}}, now), nil, now)
	_, ok := q.Dispatch(c, now)
	require.True(t, ok)

	next := q.Add(NewStorage(loc, []proto.Object{{"id": 7, "title": "x"}}, now), nil, now)
	assert.NotSame(t, c, next)
	assert.Equal(t, Queued, next.State)

	_, ok = q.Dispatch(c, now)
	assert.False(t, ok, "a change dispatches once")
}

func TestQueue_RemovingUncommittedObjectIsNoop(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	removal := NewRemoval(loc, []proto.Object{{"id": -1, "title": "draft"}}, now)
	assert.Nil(t, q.Add(removal, nil, now))

	results, err := removal.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []proto.Object{{"id": -1, "title": "draft"}}, results)

	// Removing a queued creation drops it, canceling the change
	creation := NewStorage(loc, []proto.Object{{"id": -2, "title": "new"}}, now)
	c := q.Add(creation, nil, now)
	require.NotNil(t, c)
	assert.Nil(t, q.Add(NewRemoval(loc, []proto.Object{{"id": -2}}, now), nil, now))
	assert.Equal(t, Canceled, c.State)
	_, err = creation.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RemovalMarksDeleted(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	c := q.Add(NewRemoval(loc, []proto.Object{{"id": 4, "gn": 2}}, now), nil, now)
	require.NotNil(t, c)
	assert.Equal(t, []bool{true}, c.Removed())
	payload, ok := q.Dispatch(c, now)
	require.True(t, ok)
	assert.Equal(t, true, payload[0]["deleted"])
}

func TestQueue_CommitMapsTemporaryIDs(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	op := NewStorage(loc, []proto.Object{{"id": -1, "title": "new"}, {"id": 5, "gn": 1}}, now)
	c := q.Add(op, nil, now)

	payload, ok := q.Dispatch(c, now)
	require.True(t, ok)
	assert.False(t, payload[0].HasID(), "temporary ids are not sent")
	assert.Equal(t, int64(5), payload[1].ID())

	mappings, err := q.Commit(c, []proto.Object{
		{"id": 42, "gn": 1, "title": "new"},
		{"id": 5, "gn": 2},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []Mapping{{Temporary: -1, Permanent: 42}}, mappings)
	assert.Equal(t, Committed, c.State)
	perm, ok := q.IDs().Permanent(loc, -1)
	require.True(t, ok)
	assert.Equal(t, int64(42), perm)

	results, err := op.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(42), results[0].ID())

	assert.True(t, q.IsOwnCommit(proto.Notification{Location: loc, ID: 42, GN: 1}))
	assert.True(t, q.IsOwnCommit(proto.Notification{Location: loc, ID: 5, GN: 2}))
	assert.False(t, q.IsOwnCommit(proto.Notification{Location: loc, ID: 5, GN: 3}))
	assert.False(t, q.IsOwnCommit(proto.Notification{Location: loc, ID: 6, GN: 1}))
}

func TestQueue_CommitLengthMismatchFails(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	op := NewStorage(loc, []proto.Object{{"id": 1}, {"id": 2}}, now)
	c := q.Add(op, nil, now)
	q.Dispatch(c, now)

	_, err := q.Commit(c, []proto.Object{{"id": 1}}, now)
	require.Error(t, err)
	assert.Equal(t, Failed, c.State)
	_, err = op.Wait(context.Background())
	assert.Error(t, err)
}

func TestQueue_FailAndRequeue(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	op := NewStorage(loc, []proto.Object{{"id": 1}}, now)
	c := q.Add(op, nil, now)
	q.Dispatch(c, now)
	q.Requeue(c)
	assert.Equal(t, Queued, c.State)
	assert.Equal(t, []*Change{c}, q.Queued())

	failure := errors.New("boom")
	q.Dispatch(c, now)
	q.Fail(c, failure, now)
	_, err := op.Wait(context.Background())
	assert.ErrorIs(t, err, failure)
	assert.Empty(t, q.Queued())
}

func TestQueue_InFlight(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	c := q.Add(NewStorage(loc, []proto.Object{{"id": -1}, {"id": 3}}, now), nil, now)
	assert.Empty(t, q.InFlight(loc, []proto.Object{{"id": -1}}), "queued changes can still be merged into")

	q.Dispatch(c, now)
	assert.Equal(t, []*Change{c}, q.InFlight(loc, []proto.Object{{"id": -1}}))
	assert.Empty(t, q.InFlight(loc, []proto.Object{{"id": 3}}), "permanent ids need no waiting")
	assert.Empty(t, q.InFlight(loc, []proto.Object{{"id": -2}}))

	_, err := q.Commit(c, []proto.Object{{"id": 7, "gn": 1}, {"id": 3, "gn": 2}}, now)
	require.NoError(t, err)
	assert.Empty(t, q.InFlight(loc, []proto.Object{{"id": -1}}))
}

func TestConflict_DiscardedByDefault(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	var seen []*Conflict
	handler := func(c *Conflict) { seen = append(seen, c) }
	op := NewStorage(loc, []proto.Object{{"id": 7, "gn": 3, "title": "mine"}}, now)
	c := q.Add(op, handler, now)

	conflicts := c.Conflicts([]proto.Object{{"id": 7, "gn": 4, "title": "theirs"}})
	require.Len(t, conflicts, 1)
	Handle(c.Handler(), conflicts)

	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].Local.GN())
	assert.Equal(t, int64(4), seen[0].Remote.GN())

	assert.True(t, q.Reconcile(c, conflicts, now))
	assert.Equal(t, Canceled, c.State)
	_, err := op.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestConflict_Preserved(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	c := q.Add(NewStorage(loc, []proto.Object{{"id": 7, "gn": 3}, {"id": 9, "gn": 1}}, now), func(c *Conflict) { c.Preserve() }, now)

	conflicts := c.Conflicts([]proto.Object{{"id": 7, "gn": 4}, {"id": 9, "gn": 1}})
	require.Len(t, conflicts, 1, "same generation is not a conflict")
	Handle(c.Handler(), conflicts)
	assert.False(t, q.Reconcile(c, conflicts, now))
	assert.Len(t, c.Objects(), 2)

	// The preserved edit now starts from generation 4
	assert.Empty(t, c.Conflicts([]proto.Object{{"id": 7, "gn": 4}}))
}

func TestConflict_PartialDrop(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	c := q.Add(NewStorage(loc, []proto.Object{{"id": 7, "gn": 3}, {"id": 9, "gn": 1}}, now), nil, now)
	conflicts := c.Conflicts([]proto.Object{{"id": 7, "gn": 5}})
	Handle(c.Handler(), conflicts)
	assert.False(t, q.Reconcile(c, conflicts, now))

	objects := c.Objects()
	require.Len(t, objects, 1)
	assert.Equal(t, int64(9), objects[0].ID())
}

func TestQueue_RecentIsCapped(t *testing.T) {
	q, err := NewQueue(Config{RecentCapacity: 3})
	require.NoError(t, err)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		q.Record(NewStorage(loc, []proto.Object{{"id": i}}, now))
	}
	recent := q.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, KindStorage, recent[0].Kind)
	assert.False(t, recent[0].Resolved)
}

func TestOverlay(t *testing.T) {
	q := newQueue(t)
	now := time.Now()

	results := []proto.Object{{"id": 1, "type": "news"}, {"id": 2, "type": "news"}, {"id": 3, "type": "news"}}
	q.Add(NewStorage(loc, []proto.Object{{"id": -1, "type": "news"}, {"id": 2, "type": "blog"}}, now), nil, now)
	q.Add(NewRemoval(loc, []proto.Object{{"id": 3}}, now), nil, now)

	out := Overlay(results, q.Live(loc), proto.Criteria{"type": "news"})
	assert.Equal(t, []int64{-1, 1}, []int64{out[0].ID(), out[1].ID()})
	assert.Len(t, out, 2)
	assert.Len(t, results, 3, "input is not modified")
}

func TestIDMap(t *testing.T) {
	m := NewIDMap()
	m.Add(loc, -1, 42)

	perm, ok := m.Permanent(loc, -1)
	require.True(t, ok)
	assert.Equal(t, int64(42), perm)
	temp, ok := m.Temporary(loc, 42)
	require.True(t, ok)
	assert.Equal(t, int64(-1), temp)

	// Same permanent id evicts the old entry
	m.Add(loc, -5, 42)
	_, ok = m.Permanent(loc, -1)
	assert.False(t, ok)
	temp, _ = m.Temporary(loc, 42)
	assert.Equal(t, int64(-5), temp)

	// Tables are separate
	_, ok = m.Permanent(proto.Location{Address: "a", Schema: "s", Table: "other"}, -5)
	assert.False(t, ok)

	rewritten := m.Rewrite(loc, []proto.Object{{"id": -5, "x": 1}, {"id": -9}, {"id": 3}})
	assert.Equal(t, int64(42), rewritten[0].ID())
	assert.Equal(t, int64(-9), rewritten[1].ID())
	assert.Equal(t, int64(3), rewritten[2].ID())
}
