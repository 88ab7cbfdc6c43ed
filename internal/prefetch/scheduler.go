// Package prefetch revalidates dirty searches in the background while the
// foreground is idle.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runner performs the background work of the scheduler
type Runner interface {
	// Busy reports whether a foreground remote search is in flight
	Busy() bool

	// Prefetch runs one remote check for a query
	Prefetch(ctx context.Context, q proto.Query) error
}

// Config contains scheduler configuration
type Config struct {
	// How long the foreground must stay idle before a prefetch runs
	IdleDelay time.Duration

	// Maximum number of queued prefetches
	BatchSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		IdleDelay: 50 * time.Millisecond,
		BatchSize: 16,
	}
}

type item struct {
	shape string
	query proto.Query
}

// Scheduler queues prefetches and runs them one at a time
type Scheduler struct {
	config  Config
	runner  Runner
	mu      sync.Mutex
	queue   []item
	wake    chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewScheduler creates a scheduler driving runner
func NewScheduler(config Config, runner Runner) *Scheduler {
	if config.IdleDelay <= 0 {
		config.IdleDelay = DefaultConfig().IdleDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	return &Scheduler{
		config:  config,
		runner:  runner,
		wake:    make(chan struct{}, 1),
		logger:  log.With().Str("component", "prefetch").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Schedule queues a query under its shape, the identity of the logical view
// it belongs to. A query whose shape is already queued replaces the queued
// one. It reports false when the batch is full.
func (s *Scheduler) Schedule(shape string, q proto.Query) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.queue {
		if s.queue[i].shape == shape {
			s.queue[i].query = q
			return true
		}
	}
	if len(s.queue) >= s.config.BatchSize {
		s.logger.Debug().Str("location", q.Location.String()).Msg("Prefetch batch full, dropping")
		return false
	}
	s.queue = append(s.queue, item{shape: shape, query: q})
	s.metrics.PrefetchQueueLength.Set(float64(len(s.queue)))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued prefetches
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Clear drops every queued prefetch
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.metrics.PrefetchQueueLength.Set(0)
}

func (s *Scheduler) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return item{}, false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.metrics.PrefetchQueueLength.Set(float64(len(s.queue)))
	return next, true
}

// RunOnce runs the next queued prefetch unless the foreground is busy. It
// reports whether a prefetch ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if s.runner.Busy() {
		return false
	}
	next, ok := s.pop()
	if !ok {
		return false
	}

	if err := s.runner.Prefetch(ctx, next.query); err != nil {
		s.metrics.PrefetchRunsTotal.WithLabelValues("false").Inc()
		s.logger.Debug().Err(err).
			Str("location", next.query.Location.String()).
			Msg("Prefetch failed")
		return true
	}
	s.metrics.PrefetchRunsTotal.WithLabelValues("true").Inc()
	return true
}

// Run drains the queue whenever work is scheduled, waiting IdleDelay before
// each prefetch, until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug().Dur("idle_delay", s.config.IdleDelay).Msg("Prefetch scheduler started")

	timer := time.NewTimer(s.config.IdleDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		for s.Len() > 0 {
			timer.Reset(s.config.IdleDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			s.RunOnce(ctx)
		}
	}
}
