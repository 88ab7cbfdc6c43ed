package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/pkg/proto"
)

// recorder is an Invalidator remembering every batch it received
type recorder struct {
	mu      sync.Mutex
	batches [][]proto.Notification
}

func (r *recorder) Invalidate(ctx context.Context, changes []proto.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
	return nil
}

func (r *recorder) snapshot() [][]proto.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]proto.Notification(nil), r.batches...)
}

var story = proto.Location{Address: "a", Schema: "s", Table: "story"}

func TestBuffer_CoalescesPerObject(t *testing.T) {
	target := &recorder{}
	buffer := NewBuffer(10, time.Hour, target)
	defer buffer.Close()

	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 2})
	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 4})
	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 3})
	buffer.Publish(proto.Notification{Location: story, ID: 2, GN: 1})
	assert.Equal(t, 2, buffer.Len())

	buffer.Flush()
	batches := target.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []proto.Notification{
		{Location: story, ID: 1, GN: 4},
		{Location: story, ID: 2, GN: 1},
	}, batches[0])

	// Nothing pending, nothing delivered
	buffer.Flush()
	assert.Len(t, target.snapshot(), 1)
}

func TestBuffer_FlushesWhenFull(t *testing.T) {
	target := &recorder{}
	buffer := NewBuffer(2, time.Hour, target)
	defer buffer.Close()

	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 1})
	buffer.Publish(proto.Notification{Location: story, ID: 2, GN: 1})

	assert.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBuffer_FlushesOnInterval(t *testing.T) {
	target := &recorder{}
	buffer := NewBuffer(100, 10*time.Millisecond, target)
	defer buffer.Close()

	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 1})
	assert.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBuffer_ResetSubsumesPending(t *testing.T) {
	target := &recorder{}
	buffer := NewBuffer(100, time.Hour, target)

	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 1})
	buffer.Reset()
	buffer.Publish(proto.Notification{Location: story, ID: 2, GN: 1})

	require.NoError(t, buffer.Close())
	batches := target.snapshot()
	require.Len(t, batches, 1)
	assert.Nil(t, batches[0], "a reset invalidates everything")
}

func TestBuffer_CloseFlushes(t *testing.T) {
	target := &recorder{}
	buffer := NewBuffer(100, time.Hour, target)

	buffer.Publish(proto.Notification{Location: story, ID: 1, GN: 1})
	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())

	assert.Len(t, target.snapshot(), 1)
}
