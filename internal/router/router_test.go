package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixed ID generation for testing
func init() {
	var mu sync.Mutex
	var counter int
	generateID = func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("test-listener-id-%d", counter)
	}
}

func TestRouter_AddListener(t *testing.T) {
	router := NewRouter()

	id := router.AddListener(func(proto.Event) {})
	assert.Contains(t, id, "test-listener-id")
	assert.Equal(t, 1, router.Count())

	require.NoError(t, router.RemoveListener(id))
	assert.Equal(t, 0, router.Count())
	assert.Error(t, router.RemoveListener(id))
}

func TestRouter_EmitOrderAndFilter(t *testing.T) {
	router := NewRouter()

	var calls []string
	router.AddListener(func(evt proto.Event) { calls = append(calls, "first:"+string(evt.Type)) })
	router.AddListener(func(evt proto.Event) { calls = append(calls, "change-only") }, proto.EventChange)
	router.AddListener(func(evt proto.Event) { calls = append(calls, "last:"+string(evt.Type)) })

	router.Emit(proto.Event{Type: proto.EventChange})
	router.Emit(proto.Event{Type: proto.EventExpiration, Address: "a"})

	// Emit returns only after every listener ran
	assert.Equal(t, []string{
		"first:change", "change-only", "last:change",
		"first:expiration", "last:expiration",
	}, calls)
}

func TestRouter_ListenerPanicIsContained(t *testing.T) {
	router := NewRouter()

	called := false
	router.AddListener(func(proto.Event) { panic("boom") })
	router.AddListener(func(proto.Event) { called = true })

	assert.NotPanics(t, func() { router.Emit(proto.Event{Type: proto.EventChange}) })
	assert.True(t, called)
}

func TestRouter_Subscribe(t *testing.T) {
	router := NewRouter(Config{MaxBufferSize: 2})

	sub := router.Subscribe(proto.EventViolation)
	router.Emit(proto.Event{Type: proto.EventChange})
	router.Emit(proto.Event{Type: proto.EventViolation, Address: "a"})
	router.Emit(proto.Event{Type: proto.EventViolation, Address: "b"})
	router.Emit(proto.Event{Type: proto.EventViolation, Address: "c"}) // dropped, buffer full

	evt := <-sub.Events
	assert.Equal(t, "a", evt.Address)
	evt = <-sub.Events
	assert.Equal(t, "b", evt.Address)

	require.NoError(t, router.RemoveListener(sub.ID))
	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed")

	// Emitting after removal is harmless
	assert.NotPanics(t, func() { router.Emit(proto.Event{Type: proto.EventViolation}) })
}

func TestRouter_ConcurrentEmit(t *testing.T) {
	router := NewRouter()

	var mu sync.Mutex
	count := 0
	router.AddListener(func(proto.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			router.Emit(proto.Event{Type: proto.EventChange})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestRouter_Shutdown(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe()
	router.AddListener(func(proto.Event) {})

	router.Shutdown()
	assert.Equal(t, 0, router.Count())
	_, ok := <-sub.Events
	assert.False(t, ok)
}
