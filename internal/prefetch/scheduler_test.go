package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/pkg/proto"
)

type fakeRunner struct {
	busy atomic.Bool
	mu   sync.Mutex
	ran  []proto.Query
	err  error
}

func (r *fakeRunner) Busy() bool { return r.busy.Load() }

func (r *fakeRunner) Prefetch(ctx context.Context, q proto.Query) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, q)
	return r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func query(table string, id int) proto.Query {
	return proto.Query{
		Location: proto.Location{Address: "a", Schema: "s", Table: table},
		Criteria: proto.Criteria{"id": id},
	}
}

func TestSchedule_DeduplicatesByShape(t *testing.T) {
	s := NewScheduler(DefaultConfig(), &fakeRunner{})

	assert.True(t, s.Schedule("list/story", query("story", 1)))
	assert.True(t, s.Schedule("list/story", query("story", 2)))
	assert.True(t, s.Schedule("list/comment", query("comment", 1)))
	assert.Equal(t, 2, s.Len())

	runner := s.runner.(*fakeRunner)
	require.True(t, s.RunOnce(context.Background()))
	assert.Equal(t, proto.Criteria{"id": 2}, runner.ran[0].Criteria, "the newest query of a shape wins")
}

func TestSchedule_BatchIsCapped(t *testing.T) {
	s := NewScheduler(Config{BatchSize: 2}, &fakeRunner{})

	assert.True(t, s.Schedule("a", query("a", 1)))
	assert.True(t, s.Schedule("b", query("b", 1)))
	assert.False(t, s.Schedule("c", query("c", 1)))
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestRunOnce_WaitsForIdleForeground(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(DefaultConfig(), runner)
	s.Schedule("a", query("a", 1))

	runner.busy.Store(true)
	assert.False(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, s.Len())

	runner.busy.Store(false)
	assert.True(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.RunOnce(context.Background()), "nothing left to run")
}

func TestRunOnce_FailureDropsItem(t *testing.T) {
	runner := &fakeRunner{err: errors.New("offline")}
	s := NewScheduler(DefaultConfig(), runner)
	s.Schedule("a", query("a", 1))

	assert.True(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestRun_ChainsQueuedPrefetches(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(Config{IdleDelay: time.Millisecond}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Schedule("a", query("a", 1))
	s.Schedule("b", query("b", 1))
	s.Schedule("c", query("c", 1))

	assert.Eventually(t, func() bool { return runner.count() == 3 }, time.Second, 5*time.Millisecond)

	// Work scheduled after the queue drained is picked up too
	s.Schedule("d", query("d", 1))
	assert.Eventually(t, func() bool { return runner.count() == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
