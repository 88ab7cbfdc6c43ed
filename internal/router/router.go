// Package router dispatches engine events to registered listeners.
package router

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Router implements domain.EventEmitter
var _ domain.EventEmitter = (*Router)(nil)

// listener is one registered callback or channel subscription
type listener struct {
	id     string
	types  map[proto.EventType]struct{}
	fn     domain.EventListener
	events chan proto.Event
}

func (l *listener) wants(t proto.EventType) bool {
	if len(l.types) == 0 {
		return true
	}
	_, ok := l.types[t]
	return ok
}

// Subscription is a channel-backed listener
type Subscription struct {
	ID     string
	Events <-chan proto.Event
}

// Config contains router configuration
type Config struct {
	// Buffer size for subscription channels
	MaxBufferSize int
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		MaxBufferSize: 100,
	}
}

// Router calls listeners synchronously, in registration order, on the
// goroutine that emits the event
type Router struct {
	config    Config
	listeners []*listener
	mu        sync.RWMutex
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a new event router
func NewRouter(config ...Config) *Router {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}

	return &Router{
		config:  cfg,
		logger:  log.With().Str("component", "router").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

func typeSet(types []proto.EventType) map[proto.EventType]struct{} {
	set := make(map[proto.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// AddListener registers a callback for the given event types (all when none
// are given) and returns its id
func (r *Router) AddListener(fn domain.EventListener, types ...proto.EventType) string {
	l := &listener{id: generateID(), types: typeSet(types), fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	return l.id
}

// Subscribe creates a channel subscription for the given event types. Events
// are dropped when the channel buffer is full.
func (r *Router) Subscribe(types ...proto.EventType) *Subscription {
	events := make(chan proto.Event, r.config.MaxBufferSize)
	l := &listener{id: generateID(), types: typeSet(types), events: events}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	return &Subscription{ID: l.id, Events: events}
}

// RemoveListener unregisters a callback or subscription
func (r *Router) RemoveListener(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, l := range r.listeners {
		if l.id != id {
			continue
		}
		if l.events != nil {
			close(l.events)
		}
		r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
		return nil
	}
	return fmt.Errorf("listener not found: %s", id)
}

// Emit delivers an event to every interested listener before returning
func (r *Router) Emit(evt proto.Event) {
	r.mu.RLock()
	targets := make([]*listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		if l.wants(evt.Type) {
			targets = append(targets, l)
		}
	}
	r.mu.RUnlock()

	r.metrics.ListenerEventsTotal.WithLabelValues(string(evt.Type)).Inc()

	for _, l := range targets {
		if l.fn != nil {
			r.call(l, evt)
			continue
		}
		r.send(l, evt)
	}
}

// call runs a callback, isolating the emitter from listener panics
func (r *Router) call(l *listener, evt proto.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("listener_id", l.id).
				Str("event_type", string(evt.Type)).
				Interface("panic", p).
				Msg("Listener panicked")
		}
	}()
	l.fn(evt)
}

func (r *Router) send(l *listener, evt proto.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// closed by RemoveListener
	if !r.registered(l) {
		return
	}
	select {
	case l.events <- evt:
	default:
		r.logger.Warn().
			Str("subscription_id", l.id).
			Str("event_type", string(evt.Type)).
			Msg("Subscriber channel buffer full, dropping event")
	}
}

func (r *Router) registered(target *listener) bool {
	for _, l := range r.listeners {
		if l == target {
			return true
		}
	}
	return false
}

// Count returns the number of registered listeners
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Shutdown removes every listener and closes subscription channels
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.listeners {
		if l.events != nil {
			close(l.events)
		}
	}
	r.listeners = nil
}

// Variable for generating unique listener IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
