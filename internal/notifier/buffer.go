package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type objectKey struct {
	proto.Location
	id int64
}

// Buffer coalesces change notifications and hands them to an Invalidator in
// batches, at every flush interval or as soon as the buffer fills up
type Buffer struct {
	// Configuration
	bufferSize    int
	flushInterval time.Duration
	target        domain.Invalidator

	// Pending notifications, one per object
	pending []proto.Notification
	index   map[objectKey]int
	reset   bool
	mu      sync.Mutex

	// Control channels
	forceFlush chan struct{}
	close      chan struct{}
	closed     chan struct{}
	once       sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBuffer creates a buffer flushing into target
func NewBuffer(bufferSize int, flushInterval time.Duration, target domain.Invalidator) *Buffer {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		target:        target,
		index:         make(map[objectKey]int),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		closed:        make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.With().Str("component", "notifier-buffer").Logger(),
		metrics:       metrics.GetMetrics(),
	}

	go b.flushLoop()

	return b
}

// Publish adds a notification. Repeated notifications for the same object
// keep only the highest generation number.
func (b *Buffer) Publish(n proto.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reset {
		// Everything is invalidated on the next flush anyway
		return
	}
	key := objectKey{Location: n.Location, id: n.ID}
	if i, ok := b.index[key]; ok {
		if n.GN > b.pending[i].GN {
			b.pending[i].GN = n.GN
		}
		return
	}
	b.index[key] = len(b.pending)
	b.pending = append(b.pending, n)

	if len(b.pending) >= b.bufferSize {
		b.trigger()
	}
}

// Reset replaces everything pending with a single "everything may have
// changed" invalidation
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset = true
	b.pending = nil
	b.index = make(map[objectKey]int)
	b.trigger()
}

// trigger requests a flush; the caller holds b.mu
func (b *Buffer) trigger() {
	select {
	case b.forceFlush <- struct{}{}:
	default:
		// A flush is already pending
	}
}

// Len returns the number of pending notifications
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) flushLoop() {
	defer close(b.closed)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.forceFlush:
			b.Flush()
		case <-b.close:
			// Final flush
			b.Flush()
			return
		}
	}
}

// Flush hands the pending notifications to the target now
func (b *Buffer) Flush() {
	// Swap buffers to minimize lock contention
	b.mu.Lock()
	batch, reset := b.pending, b.reset
	if len(batch) == 0 && !reset {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.index = make(map[objectKey]int)
	b.reset = false
	b.mu.Unlock()

	start := time.Now()
	if reset {
		batch = nil
	} else {
		b.metrics.NotificationBatchSize.Observe(float64(len(batch)))
	}

	if err := b.target.Invalidate(b.ctx, batch); err != nil {
		b.logger.Warn().Err(err).
			Int("notifications", len(batch)).
			Bool("reset", reset).
			Msg("Failed to apply notifications")
	}

	if delay := time.Since(start); delay > 100*time.Millisecond {
		b.logger.Warn().
			Dur("delay", delay).
			Int("notifications", len(batch)).
			Msg("High latency applying notifications")
	}
}

// Close flushes what is pending and stops the flush loop
func (b *Buffer) Close() error {
	b.once.Do(func() {
		close(b.close)
		<-b.closed
		b.cancel()
	})
	return nil
}
