package datasource

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/pkg/proto"
)

// generateID creates waiter ids
var generateID = func() string {
	return uuid.New().String()
}

// Invalidate applies change notifications pushed by a server. Notifications
// caused by our own commits are ignored. Queued edits overtaken by the
// change go through conflict handling, affected searches become dirty and
// consumers receive a change event. nil means anything may have changed.
func (d *DataSource) Invalidate(ctx context.Context, changes []proto.Notification) error {
	everything := changes == nil

	d.mu.Lock()
	var relevant []proto.Notification
	for _, n := range changes {
		if d.queue.IsOwnCommit(n) {
			d.metrics.NotificationsTotal.WithLabelValues("self").Inc()
			continue
		}
		d.metrics.NotificationsTotal.WithLabelValues("applied").Inc()
		relevant = append(relevant, n)
	}
	byLocation := groupByLocation(relevant)

	// Queued changes touching a changed object
	type candidate struct {
		c   *change.Change
		ids []int64
	}
	var candidates []candidate
	for _, c := range d.queue.Queued() {
		var ids []int64
		changed := byLocation[c.Location]
		for _, object := range c.Objects() {
			if object.IsTemporary() {
				continue
			}
			if everything || containsID(changed, object.ID()) {
				ids = append(ids, object.ID())
			}
		}
		if len(ids) > 0 {
			candidates = append(candidates, candidate{c: c, ids: ids})
		}
	}
	d.mu.Unlock()

	for _, cand := range candidates {
		if err := d.reconcile(ctx, cand.c, cand.ids); err != nil {
			d.logger.Warn().Err(err).
				Str("location", cand.c.Location.String()).
				Msg("Failed to check queued change for conflicts")
		}
	}

	// Dirty searches and waiters
	d.mu.Lock()
	locations := make(map[proto.Location][]proto.Object)
	for _, key := range d.searches.Keys() {
		value, ok := d.searches.Peek(key)
		if !ok {
			continue
		}
		t := value.(*tracked)
		s := t.search

		dirty := false
		if everything {
			dirty = s.Invalidate(0)
		} else {
			for _, n := range byLocation[s.Location] {
				if s.Invalidate(n.ID) {
					dirty = true
				}
			}
		}
		if !dirty {
			continue
		}
		if _, seen := locations[s.Location]; !seen {
			locations[s.Location] = change.Overlay(s.Results, d.queue.Live(s.Location), s.Criteria)
		}
		d.schedulePrefetch(t)
	}
	for loc := range byLocation {
		if _, seen := locations[loc]; !seen {
			locations[loc] = nil
		}
	}
	d.wake(changes, everything)
	d.mu.Unlock()

	for loc, results := range locations {
		d.emitChange(loc, results)
	}
	return nil
}

// reconcile fetches the remote copies of queued objects and runs the
// change's conflict handler on those modified by someone else
func (d *DataSource) reconcile(ctx context.Context, c *change.Change, ids []int64) error {
	loc := c.Location
	token, err := d.sessions.Token(ctx, loc.Address)
	if err != nil {
		return err
	}
	remote, err := d.remote.Retrieve(ctx, loc, token, ids)
	if err != nil {
		return d.remoteError(ctx, loc, err)
	}

	d.mu.Lock()
	conflicts := c.Conflicts(remote)
	handler := c.Handler()
	d.mu.Unlock()
	if len(conflicts) == 0 {
		return nil
	}

	// Handlers run outside the lock so they may call back into the data source
	change.Handle(handler, conflicts)

	d.mu.Lock()
	now := d.now()
	canceled := d.queue.Reconcile(c, conflicts, now)
	for _, conflict := range conflicts {
		if conflict.Preserved() {
			d.metrics.ConflictsTotal.WithLabelValues("preserved").Inc()
		} else {
			d.metrics.ConflictsTotal.WithLabelValues("discarded").Inc()
		}
	}
	if canceled {
		d.metrics.ChangesTotal.WithLabelValues(string(change.Canceled)).Inc()
	}
	d.metrics.ChangeQueueSize.Set(float64(d.queue.Len()))
	d.mu.Unlock()

	d.persist(ctx, loc, remote, now)
	d.logger.Info().
		Str("location", loc.String()).
		Int("conflicts", len(conflicts)).
		Bool("canceled", canceled).
		Msg("Resolved write conflicts")
	return nil
}

// schedulePrefetch hands a dirty search to the prefetch scheduler, once per
// requester. The scheduler keys its queue by shape, so scheduling a search
// that is already queued leaves a single entry. The caller holds d.mu.
func (d *DataSource) schedulePrefetch(t *tracked) {
	s := t.search
	if !d.active || !s.Prefetchable || s.Checking() != nil {
		return
	}
	requesters := s.Requesters
	if len(requesters) == 0 {
		requesters = []string{""}
	}
	for _, by := range requesters {
		d.prefetcher.Schedule(s.Shape(by), t.query)
	}
}

// Await waits for the next change notification about one object. It
// reports false when timeout elapses first; a zero timeout waits until ctx
// is done.
func (d *DataSource) Await(ctx context.Context, loc proto.Location, object proto.Object, timeout time.Duration) (bool, error) {
	id := object.ID()
	if object.IsTemporary() {
		if permanent, ok := d.FindPermanentID(loc, id); ok {
			id = permanent
		}
	}

	w := &waiter{loc: loc, id: id, ch: make(chan struct{})}
	waiterID := generateID()
	d.mu.Lock()
	d.waiters[waiterID] = w
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, waiterID)
		d.mu.Unlock()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ch:
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// wake releases the waiters matching notifications; the caller holds d.mu
func (d *DataSource) wake(changes []proto.Notification, everything bool) {
	for id, w := range d.waiters {
		hit := everything
		for _, n := range changes {
			if n.Location == w.loc && n.ID == w.id {
				hit = true
				break
			}
		}
		if hit {
			close(w.ch)
			delete(d.waiters, id)
		}
	}
}

func groupByLocation(changes []proto.Notification) map[proto.Location][]proto.Notification {
	grouped := make(map[proto.Location][]proto.Notification)
	for _, n := range changes {
		grouped[n.Location] = append(grouped[n.Location], n)
	}
	return grouped
}

func containsID(changes []proto.Notification, id int64) bool {
	for _, n := range changes {
		if n.ID == id {
			return true
		}
	}
	return false
}
