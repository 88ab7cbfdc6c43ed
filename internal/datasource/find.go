package datasource

import (
	"context"
	"errors"

	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/search"
	"github.com/nkkko/remotesync/internal/transport"
	"github.com/nkkko/remotesync/pkg/proto"
)

// Find answers a query. Cached results are returned at once unless the
// blocking policy makes the caller wait for the remote check; a remote
// check running in the background fires a change event when it completes.
// ctx bounds only this caller's wait, never the shared remote check.
func (d *DataSource) Find(ctx context.Context, q proto.Query) ([]proto.Object, error) {
	if q.IsLocal() {
		return d.findLocal(ctx, q)
	}

	// An inactive data source cannot reach the server to compare signatures;
	// it serves whatever the cache holds and verifies on the next activation.
	active, isActive := d.activation()
	if isActive {
		if err := d.verifySignature(ctx, active, q.Address, q.Schema); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	t := d.lookup(q)
	s := t.search
	scan := !s.Remote() && s.Checking() == nil
	d.mu.Unlock()

	var records []domain.CacheRecord
	if scan {
		var err error
		records, err = d.cache.Find(ctx, q.Location, q.Criteria)
		if err != nil {
			d.logger.Warn().Err(err).Str("location", q.Location.String()).Msg("Cache scan failed, continuing without cache")
			records = nil
		}
	}

	d.mu.Lock()
	if scan {
		s.SetCached(records)
	}
	now := d.now()
	freshness := s.Freshness(now, d.activatedAt, d.config.RefreshInterval)
	blocking := search.ResolveBlocking(q)
	wait := search.ShouldBlock(freshness, blocking)

	var check *search.Check
	if freshness != search.Complete && d.active {
		var started bool
		check, started = s.BeginCheck(now)
		if started {
			d.foreground++
			d.metrics.SearchesActive.Inc()
			go d.runCheck(d.activeCtx, t, check, true)
		}
	}
	if wait && check == nil {
		d.mu.Unlock()
		return nil, ErrInactive
	}
	var results []proto.Object
	if !wait {
		results = d.snapshot(q, s)
	}
	d.mu.Unlock()

	d.metrics.SearchesTotal.WithLabelValues(string(freshness)).Inc()
	d.logger.Debug().
		Str("location", q.Location.String()).
		Str("freshness", string(freshness)).
		Bool("wait", wait).
		Msg("Find")

	if wait {
		select {
		case <-check.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := check.Err(); err != nil {
			return nil, err
		}

		d.mu.Lock()
		results = d.snapshot(q, s)
		d.mu.Unlock()
	}

	if expected := s.Expectation.Expected; q.Required && expected > 0 && len(results) < expected {
		return nil, d.stupefied(q, expected, len(results))
	}

	d.metrics.SearchResultsTotal.Add(float64(len(results)))
	return results, nil
}

// snapshot copies the results of a search, with live changes applied
// unless the query asks for committed data only; the caller holds d.mu
func (d *DataSource) snapshot(q proto.Query, s *search.Search) []proto.Object {
	results := append([]proto.Object(nil), s.Results...)
	if !q.Committed {
		results = change.Overlay(results, d.queue.Live(q.Location), s.Criteria)
	}
	return results
}

func (d *DataSource) stupefied(q proto.Query, expected, actual int) error {
	err := &StupefactionError{Query: q, Expected: expected, Actual: actual}
	d.metrics.StupefactionsTotal.Inc()
	d.logger.Warn().
		Str("location", q.Location.String()).
		Int("expected", expected).
		Int("actual", actual).
		Msg("Required results missing")

	loc := q.Location
	query := q
	d.emit(proto.Event{
		Type:     proto.EventStupefaction,
		Address:  q.Address,
		Location: &loc,
		Query:    &query,
		Err:      err,
	})
	return err
}

// lookup returns the remembered search for a query, creating one when none
// exists or the previous one failed; the caller holds d.mu
func (d *DataSource) lookup(q proto.Query) *tracked {
	key := search.KeyOf(q)
	if value, ok := d.searches.Get(key); ok {
		t := value.(*tracked)
		if t.search.Failed == nil || t.search.Checking() != nil {
			t.search.AddRequester(q.By)
			if q.Prefetch {
				t.search.Prefetchable = true
			}
			return t
		}
	}
	t := &tracked{search: search.New(q), query: q}
	d.searches.Add(key, t)
	return t
}

func (d *DataSource) findLocal(ctx context.Context, q proto.Query) ([]proto.Object, error) {
	records, err := d.cache.Find(ctx, q.Location, q.Criteria)
	if err != nil {
		return nil, err
	}
	results := make([]proto.Object, 0, len(records))
	for _, r := range records {
		results = append(results, r.Object)
	}
	search.SortByID(results)
	return results, nil
}

// runCheck performs the discovery, retrieval and merge of one remote check
// and releases its waiters
func (d *DataSource) runCheck(ctx context.Context, t *tracked, check *search.Check, foreground bool) {
	s := t.search
	loc := s.Location

	results, err := d.remoteSearch(ctx, t)

	d.mu.Lock()
	if foreground {
		d.foreground--
		d.metrics.SearchesActive.Dec()
	}
	now := d.now()
	if err != nil {
		s.Fail(err, now)
		d.mu.Unlock()
		d.logger.Debug().Err(err).Str("location", loc.String()).Msg("Remote search failed")
		return
	}
	s.Complete(results, now)
	if !t.query.Committed {
		results = change.Overlay(results, d.queue.Live(loc), s.Criteria)
	}
	d.mu.Unlock()

	d.emitChange(loc, results)
}

func (d *DataSource) remoteSearch(ctx context.Context, t *tracked) ([]proto.Object, error) {
	s := t.search
	loc := s.Location

	token, err := d.sessions.Token(ctx, loc.Address)
	if err != nil {
		return nil, d.remoteError(ctx, loc, err)
	}

	discovered, err := d.remote.Discover(ctx, loc, token, s.Criteria)
	if err != nil {
		return nil, d.remoteError(ctx, loc, err)
	}

	d.mu.Lock()
	cached := append([]proto.Object(nil), s.Results...)
	d.mu.Unlock()

	fetch, remove := search.Diff(cached, discovered)
	retrieved, err := d.remote.Retrieve(ctx, loc, token, fetch)
	if err != nil {
		return nil, d.remoteError(ctx, loc, err)
	}

	now := d.now()
	if len(retrieved) > 0 {
		if err := d.cache.Save(ctx, loc, retrieved, now); err != nil {
			d.logger.Warn().Err(err).Str("location", loc.String()).Msg("Failed to cache retrieved objects")
		}
	}
	if len(remove) > 0 {
		gone := make([]proto.Object, len(remove))
		for i, id := range remove {
			gone[i] = proto.Object{"id": id}
		}
		if err := d.cache.Remove(ctx, loc, gone); err != nil {
			d.logger.Warn().Err(err).Str("location", loc.String()).Msg("Failed to drop vanished objects")
		}
	}

	return search.Strip(search.Merge(cached, retrieved), remove), nil
}

// remoteError applies the side effects of a failed remote request: a 401
// ends the session and a 403 purges the schema and reports a violation
func (d *DataSource) remoteError(ctx context.Context, loc proto.Location, err error) error {
	switch {
	case transport.IsUnauthorized(err):
		d.logger.Warn().Str("address", loc.Address).Msg("Authentication failed, expiring session")
		d.sessions.Expire(context.WithoutCancel(ctx), loc.Address)
		d.forget(loc.Address, "")

	case transport.IsForbidden(err):
		d.logger.Warn().Str("location", loc.String()).Msg("Access denied, purging schema")
		if cerr := d.cache.Clean(context.WithoutCancel(ctx), loc.Address, loc.Schema); cerr != nil {
			d.logger.Error().Err(cerr).Str("location", loc.String()).Msg("Failed to purge cache")
		}
		d.forget(loc.Address, loc.Schema)
		l := loc
		d.emit(proto.Event{Type: proto.EventViolation, Address: loc.Address, Location: &l, Err: err})
	}

	if ctx.Err() != nil && !errors.Is(err, ErrInactive) {
		return ErrInactive
	}
	return err
}

// verifySignature compares the cached schema signature with the server's
// once per activation, purging the schema's cache when they differ. A
// failed check is logged and leaves the cache in use.
func (d *DataSource) verifySignature(ctx, active context.Context, address, schema string) error {
	key := signatureKey(address, schema)
	d.mu.Lock()
	done := d.verified[key]
	d.mu.Unlock()
	if done {
		return nil
	}

	ch := d.group.DoChan("signature:"+key, func() (interface{}, error) {
		return nil, d.checkSignature(active, address, schema)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrInactive) {
				return res.Err
			}
			d.logger.Warn().Err(res.Err).
				Str("address", address).
				Str("schema", schema).
				Msg("Schema signature check failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DataSource) checkSignature(ctx context.Context, address, schema string) error {
	loc := proto.Location{Address: address, Schema: schema}

	token, err := d.sessions.Token(ctx, address)
	if err != nil {
		return d.remoteError(ctx, loc, err)
	}
	current, err := d.remote.Signature(ctx, address, schema, token)
	if err != nil {
		return d.remoteError(ctx, loc, err)
	}

	stored, err := d.cache.GetSignature(ctx, address, schema)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn().Err(err).Str("address", address).Msg("Failed to read cached signature")
	}

	if stored != current {
		d.logger.Info().
			Str("address", address).
			Str("schema", schema).
			Str("cached", stored).
			Str("current", current).
			Msg("Schema signature changed, purging cache")
		if err := d.cache.Clean(ctx, address, schema); err != nil {
			d.logger.Error().Err(err).Str("address", address).Msg("Failed to purge cache")
		}
		if err := d.cache.SetSignature(ctx, address, schema, current); err != nil {
			d.logger.Error().Err(err).Str("address", address).Msg("Failed to store signature")
		}
		d.forget(address, schema)
	}

	d.mu.Lock()
	d.verified[signatureKey(address, schema)] = true
	d.mu.Unlock()
	return nil
}

// Busy reports whether a foreground remote search is in flight
func (d *DataSource) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreground > 0
}

// Prefetch revalidates a remembered search that is still dirty
func (d *DataSource) Prefetch(ctx context.Context, q proto.Query) error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return ErrInactive
	}
	value, ok := d.searches.Peek(search.KeyOf(q))
	if !ok {
		d.mu.Unlock()
		return nil
	}
	t := value.(*tracked)
	if !t.search.Dirty {
		d.mu.Unlock()
		return nil
	}
	active := d.activeCtx
	check, started := t.search.BeginCheck(d.now())
	d.mu.Unlock()

	if started {
		d.runCheck(active, t, check, false)
	}
	select {
	case <-check.Done():
		return check.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
