// Package search models one find query: its cached results, freshness and
// the remote check that revalidates it.
package search

import (
	"fmt"
	"time"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/pkg/proto"
)

// State of a search's remote check
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateComplete  State = "complete"
)

// Freshness classifies cached results
type Freshness string

const (
	// Fresh results meeting the expectation
	Complete Freshness = "complete"
	// Results meeting the expectation but retrieved too long ago
	Stale Freshness = "stale"
	// Usable results below the expectation
	Incomplete Freshness = "incomplete"
	// Results below the floor
	Insufficient Freshness = "insufficient"
)

// Check is one remote discovery/retrieval pass. Every find that needs it
// waits on the same Check.
type Check struct {
	done chan struct{}
	err  error
}

// Done is closed when the check has finished
func (c *Check) Done() <-chan struct{} {
	return c.done
}

// Err returns the check's failure, valid after Done is closed
func (c *Check) Err() error {
	return c.err
}

// Search is one query together with its results sorted by id. A Search is
// not safe for concurrent use; its owner serializes access.
type Search struct {
	proto.Location
	Criteria    proto.Criteria
	Expectation Expectation

	Results     []proto.Object
	RetrievedAt time.Time
	StartTime   time.Time
	FinishTime  time.Time
	Dirty       bool
	State       State
	Failed      error

	// Prefetch bookkeeping
	Prefetchable bool
	Requesters   []string

	key    string
	remote bool
	check  *Check
}

// New creates a search for a query
func New(q proto.Query) *Search {
	criteria := q.Criteria
	if criteria == nil {
		criteria = proto.Criteria{}
	}
	s := &Search{
		Location:     q.Location,
		Criteria:     criteria,
		Expectation:  ExpectationFor(q),
		State:        StateIdle,
		Prefetchable: q.Prefetch,
		key:          KeyOf(q),
	}
	s.AddRequester(q.By)
	return s
}

// KeyOf returns the structural identity of a query: two queries with the
// same key share a Search
func KeyOf(q proto.Query) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d\x00%d",
		q.Address, q.Schema, q.Table, q.Criteria.Key(), q.Minimum, q.Expected)
}

// Key returns the structural identity of the search
func (s *Search) Key() string {
	return s.key
}

// Shape identifies the logical view a requester asked for, ignoring values
func (s *Search) Shape(requester string) string {
	return requester + "\x00" + s.Location.String() + "\x00" + s.Criteria.Shape()
}

// AddRequester records a component that issued this search
func (s *Search) AddRequester(by string) {
	if by == "" {
		return
	}
	for _, r := range s.Requesters {
		if r == by {
			return
		}
	}
	s.Requesters = append(s.Requesters, by)
}

// SetCached replaces the results with a local cache scan, unless a remote
// check has already produced them
func (s *Search) SetCached(records []domain.CacheRecord) {
	if s.remote {
		return
	}
	results := make([]proto.Object, 0, len(records))
	var oldest time.Time
	for _, r := range records {
		results = append(results, r.Object)
		if oldest.IsZero() || r.RetrievedAt.Before(oldest) {
			oldest = r.RetrievedAt
		}
	}
	SortByID(results)
	s.Results = results
	s.RetrievedAt = oldest
}

// Freshness classifies the results at now. Results older than the refresh
// interval, or retrieved before the engine was activated, are stale.
func (s *Search) Freshness(now, activatedAt time.Time, refresh time.Duration) Freshness {
	count := len(s.Results)
	if !s.remote && !s.Expectation.Met(count) {
		if count >= s.Expectation.Minimum {
			return Incomplete
		}
		return Insufficient
	}

	horizon := now.Add(-refresh)
	if activatedAt.After(horizon) {
		horizon = activatedAt
	}
	if s.Dirty || s.RetrievedAt.Before(horizon) {
		return Stale
	}
	return Complete
}

// Remote reports whether the results come from a completed remote check
func (s *Search) Remote() bool {
	return s.remote
}

// Checking returns the in-flight remote check, if any
func (s *Search) Checking() *Check {
	return s.check
}

// BeginCheck returns the in-flight remote check, or starts a new one; the
// second result is true when the caller must perform the new check
func (s *Search) BeginCheck(now time.Time) (*Check, bool) {
	if s.check != nil {
		return s.check, false
	}
	s.check = &Check{done: make(chan struct{})}
	s.State = StateSearching
	s.StartTime = now
	s.Failed = nil
	return s.check, true
}

// Complete stores the outcome of a remote check and releases its waiters
func (s *Search) Complete(results []proto.Object, now time.Time) {
	s.Results = results
	s.RetrievedAt = now
	s.FinishTime = now
	s.Dirty = false
	s.remote = true
	s.State = StateComplete
	s.finish(nil)
}

// Fail records a failed remote check and releases its waiters
func (s *Search) Fail(err error, now time.Time) {
	s.Failed = err
	s.FinishTime = now
	s.State = StateIdle
	s.finish(err)
}

func (s *Search) finish(err error) {
	if s.check == nil {
		return
	}
	s.check.err = err
	close(s.check.done)
	s.check = nil
}

// Invalidate marks the search dirty when a change to id may affect it and
// reports whether it did. Id-bounded searches only care about their own ids.
func (s *Search) Invalidate(id int64) bool {
	if ids, ok := s.Criteria.IDs(); ok && id != 0 {
		found := false
		for _, want := range ids {
			if want == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	s.Dirty = true
	return true
}

// Info is a read-only summary of a search
type Info struct {
	Location  proto.Location `json:"location"`
	Criteria  proto.Criteria `json:"criteria"`
	Count     int            `json:"count"`
	State     State          `json:"state"`
	Dirty     bool           `json:"dirty"`
	Duration  time.Duration  `json:"duration"`
	StartTime time.Time      `json:"start_time"`
	Error     string         `json:"error,omitempty"`
}

// Info summarizes the search
func (s *Search) Info() Info {
	info := Info{
		Location:  s.Location,
		Criteria:  s.Criteria,
		Count:     len(s.Results),
		State:     s.State,
		Dirty:     s.Dirty,
		StartTime: s.StartTime,
	}
	if !s.FinishTime.Before(s.StartTime) && !s.StartTime.IsZero() {
		info.Duration = s.FinishTime.Sub(s.StartTime)
	}
	if s.Failed != nil {
		info.Error = s.Failed.Error()
	}
	return info
}
