package search

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/pkg/proto"
)

var loc = proto.Location{Address: "a", Schema: "s", Table: "story"}

func records(at time.Time, ids ...int64) []domain.CacheRecord {
	out := make([]domain.CacheRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.CacheRecord{Object: proto.Object{"id": id, "gn": 1}, RetrievedAt: at})
	}
	return out
}

func TestExpectationFor(t *testing.T) {
	tests := []struct {
		name  string
		query proto.Query
		want  Expectation
	}{
		{"explicit", proto.Query{Expected: 5, Minimum: 2}, Expectation{Expected: 5, Minimum: 2}},
		{"id list", proto.Query{Criteria: proto.Criteria{"id": []int64{1, 2, 2, 3}}}, Expectation{Expected: 3, Minimum: 1}},
		{"single id", proto.Query{Criteria: proto.Criteria{"id": 9}}, Expectation{Expected: 1, Minimum: 1}},
		{"unknown", proto.Query{Criteria: proto.Criteria{"type": "news"}}, Expectation{Expected: 0, Minimum: 1}},
		{"floor capped", proto.Query{Expected: 2, Minimum: 4}, Expectation{Expected: 2, Minimum: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpectationFor(tt.query))
		})
	}
}

func TestResolveBlocking(t *testing.T) {
	assert.Equal(t, proto.BlockInsufficient, ResolveBlocking(proto.Query{}))
	assert.Equal(t, proto.BlockNever, ResolveBlocking(proto.Query{Blocking: proto.BlockNever}))
	assert.Equal(t, proto.BlockIncomplete, ResolveBlocking(proto.Query{Blocking: proto.BlockNever, Required: true}))
	assert.Equal(t, proto.BlockIncomplete, ResolveBlocking(proto.Query{Required: true}))
	assert.Equal(t, proto.BlockExpired, ResolveBlocking(proto.Query{Blocking: proto.BlockExpired, Required: true}))
}

func TestShouldBlock(t *testing.T) {
	assert.False(t, ShouldBlock(Insufficient, proto.BlockNever))
	assert.True(t, ShouldBlock(Insufficient, proto.BlockInsufficient))
	assert.False(t, ShouldBlock(Incomplete, proto.BlockInsufficient))
	assert.True(t, ShouldBlock(Incomplete, proto.BlockIncomplete))
	assert.False(t, ShouldBlock(Stale, proto.BlockIncomplete))
	assert.True(t, ShouldBlock(Stale, proto.BlockExpired))
	assert.False(t, ShouldBlock(Complete, proto.BlockExpired))
}

func TestSearch_Freshness(t *testing.T) {
	now := time.Now()
	activated := now.Add(-time.Hour)
	refresh := 900 * time.Second

	s := New(proto.Query{Location: loc, Expected: 5})
	s.SetCached(records(now.Add(-time.Second), 1, 2, 3, 4, 5))
	assert.Equal(t, Complete, s.Freshness(now, activated, refresh))

	s.SetCached(records(now.Add(-901*time.Second), 1, 2, 3, 4, 5))
	assert.Equal(t, Stale, s.Freshness(now, activated, refresh))

	// Cache age before activation is never trusted
	s.SetCached(records(now.Add(-time.Minute), 1, 2, 3, 4, 5))
	assert.Equal(t, Stale, s.Freshness(now, now.Add(-time.Second), refresh))

	s.SetCached(records(now, 1, 2))
	assert.Equal(t, Incomplete, s.Freshness(now, activated, refresh))

	s.SetCached(nil)
	assert.Equal(t, Insufficient, s.Freshness(now, activated, refresh))

	s.SetCached(records(now, 1, 2, 3, 4, 5))
	s.Dirty = true
	assert.Equal(t, Stale, s.Freshness(now, activated, refresh))
}

func TestSearch_EmptyRemoteResultIsComplete(t *testing.T) {
	now := time.Now()
	s := New(proto.Query{Location: loc, Criteria: proto.Criteria{"type": "none"}})
	assert.Equal(t, Insufficient, s.Freshness(now, now.Add(-time.Hour), time.Minute))

	check, started := s.BeginCheck(now)
	require.True(t, started)
	s.Complete(nil, now)
	<-check.Done()
	assert.NoError(t, check.Err())
	assert.Equal(t, Complete, s.Freshness(now, now.Add(-time.Hour), time.Minute))

	// Later cache scans do not override remote results
	s.SetCached(records(now, 1))
	assert.Empty(t, s.Results)
}

func TestSearch_CheckIsShared(t *testing.T) {
	now := time.Now()
	s := New(proto.Query{Location: loc})

	first, started := s.BeginCheck(now)
	require.True(t, started)
	assert.Equal(t, StateSearching, s.State)

	second, started := s.BeginCheck(now)
	assert.False(t, started)
	assert.Same(t, first, second)

	failure := errors.New("offline")
	s.Fail(failure, now)
	<-first.Done()
	assert.ErrorIs(t, first.Err(), failure)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, "offline", s.Info().Error)

	third, started := s.BeginCheck(now)
	assert.True(t, started)
	assert.NotSame(t, first, third)
	assert.Nil(t, s.Failed)
}

func TestSearch_Invalidate(t *testing.T) {
	bounded := New(proto.Query{Location: loc, Criteria: proto.Criteria{"id": []int64{1, 2}}})
	assert.False(t, bounded.Invalidate(3))
	assert.False(t, bounded.Dirty)
	assert.True(t, bounded.Invalidate(2))
	assert.True(t, bounded.Dirty)

	open := New(proto.Query{Location: loc, Criteria: proto.Criteria{"type": "news"}})
	assert.True(t, open.Invalidate(99))
}

func TestKeyAndShape(t *testing.T) {
	a := proto.Query{Location: loc, Criteria: proto.Criteria{"id": []int64{1, 2}}, By: "list"}
	b := proto.Query{Location: loc, Criteria: proto.Criteria{"id": []int64{3}}, By: "list"}
	assert.NotEqual(t, KeyOf(a), KeyOf(b))
	assert.Equal(t, New(a).Shape("list"), New(b).Shape("list"))
	assert.NotEqual(t, New(a).Shape("list"), New(a).Shape("sidebar"))

	c := a
	c.Expected = 2
	assert.NotEqual(t, KeyOf(a), KeyOf(c))

	s := New(a)
	s.AddRequester("list")
	s.AddRequester("sidebar")
	assert.Equal(t, []string{"list", "sidebar"}, s.Requesters)
}
