package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/search"
	"github.com/nkkko/remotesync/pkg/proto"
)

// WriteOption configures a save or remove call
type WriteOption func(*writeOptions)

type writeOptions struct {
	onConflict change.ConflictHandler
}

// WithConflictHandler decides the fate of queued edits overtaken by another
// writer. Without one, such edits are dropped.
func WithConflictHandler(handler change.ConflictHandler) WriteOption {
	return func(o *writeOptions) {
		o.onConflict = handler
	}
}

// Save stores objects and waits until the server has persisted them. It
// returns the objects as stored, carrying their permanent ids. ctx bounds
// only the wait; the write stays queued.
func (d *DataSource) Save(ctx context.Context, loc proto.Location, objects []proto.Object, options ...WriteOption) ([]proto.Object, error) {
	op, err := d.SaveAsync(loc, objects, options...)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

// Remove deletes objects and waits until the server has confirmed it
func (d *DataSource) Remove(ctx context.Context, loc proto.Location, objects []proto.Object, options ...WriteOption) ([]proto.Object, error) {
	op, err := d.RemoveAsync(loc, objects, options...)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

// SaveAsync queues a save and returns the pending operation
func (d *DataSource) SaveAsync(loc proto.Location, objects []proto.Object, options ...WriteOption) (*change.Operation, error) {
	return d.write(change.KindStorage, loc, objects, options)
}

// RemoveAsync queues a removal and returns the pending operation
func (d *DataSource) RemoveAsync(loc proto.Location, objects []proto.Object, options ...WriteOption) (*change.Operation, error) {
	return d.write(change.KindRemoval, loc, objects, options)
}

func (d *DataSource) write(kind change.Kind, loc proto.Location, objects []proto.Object, options []WriteOption) (*change.Operation, error) {
	var opts writeOptions
	for _, option := range options {
		option(&opts)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("nothing to write to %s", loc.String())
	}

	if loc.IsLocal() {
		return d.writeLocal(kind, loc, objects)
	}

	// Objects created before their permanent id was known use it from now on
	objects = d.queue.IDs().Rewrite(loc, objects)

	d.mu.Lock()
	now := d.now()
	var op *change.Operation
	if kind == change.KindRemoval {
		op = change.NewRemoval(loc, objects, now)
		// The server is creating some of these objects right now
		if inflight := d.queue.InFlight(loc, objects); len(inflight) > 0 {
			d.queue.Record(op)
			d.mu.Unlock()
			go d.removeAfter(op, inflight, options)
			return op, nil
		}
	} else {
		op = change.NewStorage(loc, objects, now)
	}
	c := d.queue.Add(op, opts.onConflict, now)
	d.metrics.ChangeQueueSize.Set(float64(d.queue.Len()))
	var results []proto.Object
	if c != nil {
		results = d.overlaid(loc)
	}
	d.mu.Unlock()

	if c != nil {
		d.scheduleDispatch(c)
		d.emitChange(loc, results)
	}
	return op, nil
}

// removeAfter sends a removal once the changes creating its objects have
// finished, so that it addresses them by their permanent ids. Objects whose
// creation failed resolve without a request.
func (d *DataSource) removeAfter(op *change.Operation, inflight []*change.Change, options []WriteOption) {
	for _, c := range inflight {
		<-c.Done()
	}
	next, err := d.write(change.KindRemoval, op.Location, op.Objects, options)
	if err != nil {
		op.Resolve(nil, err, d.now())
		return
	}
	results, err := next.Wait(context.Background())
	op.Resolve(results, err, d.now())
}

// overlaid returns the most recent results of a location with the live
// changes applied; the caller holds d.mu
func (d *DataSource) overlaid(loc proto.Location) []proto.Object {
	var results []proto.Object
	d.eachSearch(loc, func(t *tracked) {
		if results == nil {
			results = change.Overlay(t.search.Results, d.queue.Live(loc), t.search.Criteria)
		}
	})
	return results
}

// writeLocal applies a write to a schema that never reaches a server
func (d *DataSource) writeLocal(kind change.Kind, loc proto.Location, objects []proto.Object) (*change.Operation, error) {
	for _, object := range objects {
		if object.IsTemporary() {
			return nil, fmt.Errorf("local objects need a permanent id, got %v", object["id"])
		}
	}

	d.mu.Lock()
	now := d.now()
	d.mu.Unlock()

	var op *change.Operation
	var err error
	ctx := context.Background()
	if kind == change.KindRemoval {
		op = change.NewRemoval(loc, objects, now)
		err = d.cache.Remove(ctx, loc, objects)
	} else {
		op = change.NewStorage(loc, objects, now)
		err = d.cache.Save(ctx, loc, objects, now)
	}
	if err != nil {
		err = fmt.Errorf("failed to write local objects: %w", err)
	}

	d.mu.Lock()
	d.queue.Record(op)
	if err == nil {
		d.apply(loc, objects, kind == change.KindRemoval, now)
	}
	d.mu.Unlock()

	op.Resolve(proto.CloneObjects(objects), err, d.now())
	if err == nil {
		d.emitChange(loc, objects)
	}
	return op, nil
}

// apply folds written objects into the remembered searches of their
// location; the caller holds d.mu
func (d *DataSource) apply(loc proto.Location, objects []proto.Object, removed bool, now time.Time) {
	d.eachSearch(loc, func(t *tracked) {
		s := t.search
		results := append([]proto.Object(nil), s.Results...)
		for _, object := range objects {
			deleted, _ := object["deleted"].(bool)
			if removed || deleted || !s.Criteria.Match(object) {
				results = search.Strip(results, []int64{object.ID()})
				continue
			}
			results = search.Insert(results, object)
		}
		s.Results = results
	})
}

// scheduleDispatch sends a change after the dispatch delay
func (d *DataSource) scheduleDispatch(c *change.Change) {
	time.AfterFunc(d.config.DispatchDelay, func() {
		active, ok := d.activation()
		if !ok {
			return
		}
		d.dispatch(active, c)
	})
}

// dispatch sends a queued change to the storage endpoint and commits the
// server's answer
func (d *DataSource) dispatch(ctx context.Context, c *change.Change) {
	loc := c.Location

	token, err := d.sessions.Token(ctx, loc.Address)
	if err != nil {
		// The change stays queued and is retried
		d.logger.Debug().Err(err).Str("location", loc.String()).Msg("Change not sent, no session")
		return
	}

	d.mu.Lock()
	payload, ok := d.queue.Dispatch(c, d.now())
	d.mu.Unlock()
	if !ok {
		return
	}

	response, err := d.remote.Store(ctx, loc, token, payload)
	if err == nil {
		// Cached before any waiter resumes
		d.persist(ctx, loc, response, d.now())
	}

	d.mu.Lock()
	now := d.now()
	if err != nil {
		if ctx.Err() != nil {
			d.queue.Requeue(c)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		err = d.remoteError(ctx, loc, err)

		d.mu.Lock()
		d.queue.Fail(c, err, now)
		d.metrics.ChangesTotal.WithLabelValues(string(change.Failed)).Inc()
		d.metrics.ChangeQueueSize.Set(float64(d.queue.Len()))
		d.mu.Unlock()

		d.logger.Warn().Err(err).Str("location", loc.String()).Msg("Change failed")
		d.emitChange(loc, nil)
		return
	}

	mappings, err := d.queue.Commit(c, response, now)
	d.metrics.ChangeQueueSize.Set(float64(d.queue.Len()))
	if err != nil {
		d.metrics.ChangesTotal.WithLabelValues(string(change.Failed)).Inc()
		d.mu.Unlock()
		d.logger.Error().Err(err).Str("location", loc.String()).Msg("Malformed storage response")
		d.emitChange(loc, nil)
		return
	}
	d.metrics.ChangesTotal.WithLabelValues(string(change.Committed)).Inc()
	d.apply(loc, response, false, now)
	results := d.overlaid(loc)
	d.mu.Unlock()

	d.logger.Debug().
		Str("location", loc.String()).
		Int("objects", len(response)).
		Int("new_ids", len(mappings)).
		Msg("Change committed")
	d.emitChange(loc, results)
}

// persist mirrors committed objects into the local cache
func (d *DataSource) persist(ctx context.Context, loc proto.Location, objects []proto.Object, now time.Time) {
	var saved, removed []proto.Object
	for _, object := range objects {
		if deleted, _ := object["deleted"].(bool); deleted {
			removed = append(removed, object)
		} else {
			saved = append(saved, object)
		}
	}
	if len(saved) > 0 {
		if err := d.cache.Save(ctx, loc, saved, now); err != nil {
			d.logger.Warn().Err(err).Str("location", loc.String()).Msg("Failed to cache committed objects")
		}
	}
	if len(removed) > 0 {
		if err := d.cache.Remove(ctx, loc, removed); err != nil {
			d.logger.Warn().Err(err).Str("location", loc.String()).Msg("Failed to uncache removed objects")
		}
	}
}

// redispatchLoop retries queued changes that were not sent on time
func (d *DataSource) redispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.config.RedispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			if !d.active {
				d.mu.Unlock()
				continue
			}
			horizon := d.now().Add(-d.config.DispatchDelay)
			var due []*change.Change
			for _, c := range d.queue.Queued() {
				if !c.QueuedAt.After(horizon) {
					due = append(due, c)
				}
			}
			active := d.activeCtx
			d.mu.Unlock()

			for _, c := range due {
				go d.dispatch(active, c)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
