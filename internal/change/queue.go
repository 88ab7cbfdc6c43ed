package change

import (
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/remotesync/internal/search"
	"github.com/nkkko/remotesync/pkg/proto"
)

// Config contains change queue configuration
type Config struct {
	// Number of recent operations kept for introspection
	RecentCapacity int

	// Number of committed (object, generation) pairs remembered to
	// recognize notifications caused by our own writes
	CommitHistory int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		RecentCapacity: 32,
		CommitHistory:  1024,
	}
}

// Queue holds the live changes of an engine. It is not safe for concurrent
// use; its owner serializes access.
type Queue struct {
	config  Config
	changes []*Change
	recent  []*Operation
	commits *lru.Cache
	ids     *IDMap
}

// NewQueue creates an empty change queue
func NewQueue(config Config) (*Queue, error) {
	if config.RecentCapacity <= 0 {
		config.RecentCapacity = DefaultConfig().RecentCapacity
	}
	if config.CommitHistory <= 0 {
		config.CommitHistory = DefaultConfig().CommitHistory
	}

	commits, err := lru.New(config.CommitHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit history: %w", err)
	}
	return &Queue{config: config, commits: commits, ids: NewIDMap()}, nil
}

// IDs returns the temporary-to-permanent id table fed by commits
func (q *Queue) IDs() *IDMap {
	return q.ids
}

func commitKey(loc proto.Location, id int64) string {
	return loc.String() + "\x00" + strconv.FormatInt(id, 10)
}

// Record adds an operation to the recent list
func (q *Queue) Record(op *Operation) {
	q.recent = append(q.recent, op)
	if over := len(q.recent) - q.config.RecentCapacity; over > 0 {
		q.recent = append([]*Operation(nil), q.recent[over:]...)
	}
}

// Recent summarizes the recent operations, oldest first
func (q *Queue) Recent() []OperationInfo {
	infos := make([]OperationInfo, 0, len(q.recent))
	for _, op := range q.recent {
		infos = append(infos, op.Info())
	}
	return infos
}

// Add records an operation and merges it into the undispatched change of
// its location. It returns the change to dispatch, or nil when the
// operation resolved without needing the server.
func (q *Queue) Add(op *Operation, handler ConflictHandler, now time.Time) *Change {
	q.Record(op)

	c := q.Pending(op.Location)
	created := c == nil
	if created {
		c = newChange(op.Location, handler, now)
	}
	op.noop = c.add(op, handler)

	if len(op.entries) == 0 {
		op.Resolve(op.noop, nil, now)
	}
	if c.Empty() {
		if !created {
			q.Cancel(c, now)
		}
		return nil
	}
	if created {
		q.changes = append(q.changes, c)
	}
	return c
}

// Pending returns the undispatched change of a location
func (q *Queue) Pending(loc proto.Location) *Change {
	for _, c := range q.changes {
		if c.State == Queued && c.Location == loc {
			return c
		}
	}
	return nil
}

// Queued returns every undispatched change
func (q *Queue) Queued() []*Change {
	var queued []*Change
	for _, c := range q.changes {
		if c.State == Queued {
			queued = append(queued, c)
		}
	}
	return queued
}

// InFlight returns the dispatched changes of a location that carry one of
// the given temporary objects
func (q *Queue) InFlight(loc proto.Location, objects []proto.Object) []*Change {
	var inflight []*Change
	for _, c := range q.changes {
		if c.State != Dispatched || c.Location != loc {
			continue
		}
		for _, object := range objects {
			if object.IsTemporary() && c.find(object) != nil {
				inflight = append(inflight, c)
				break
			}
		}
	}
	return inflight
}

// Live returns the unfinished changes of a location
func (q *Queue) Live(loc proto.Location) []*Change {
	var live []*Change
	for _, c := range q.changes {
		if c.Location == loc {
			live = append(live, c)
		}
	}
	return live
}

// Len returns the number of unfinished changes
func (q *Queue) Len() int {
	return len(q.changes)
}

// Dispatch marks a queued change as sent and returns its payload
func (q *Queue) Dispatch(c *Change, now time.Time) ([]proto.Object, bool) {
	if c.State != Queued || c.Empty() {
		return nil, false
	}
	c.State = Dispatched
	c.DispatchedAt = now
	objects, _ := c.payload()
	return objects, true
}

// Requeue returns a dispatched change to the queue so it is sent again
func (q *Queue) Requeue(c *Change) {
	if c.State == Dispatched {
		c.State = Queued
	}
}

// Mapping pairs a temporary id with the permanent id the server assigned
type Mapping struct {
	Temporary int64
	Permanent int64
}

// Commit applies the storage response to a dispatched change, resolving its
// operations with the persisted objects. Response objects correspond to the
// dispatched payload by position. Assigned ids are recorded in the id table
// before any operation resolves.
func (q *Queue) Commit(c *Change, response []proto.Object, now time.Time) ([]Mapping, error) {
	if c.State != Dispatched {
		return nil, fmt.Errorf("change %s is %s, not dispatched", c.ID, c.State)
	}
	_, sent := c.payload()
	if len(response) != len(sent) {
		err := fmt.Errorf("storage returned %d objects for %d sent", len(response), len(sent))
		q.Fail(c, err, now)
		return nil, err
	}

	var mappings []Mapping
	for i, e := range sent {
		e.committed = response[i]
		if e.object.HasID() && e.object.ID() < 0 && response[i].ID() > 0 {
			mappings = append(mappings, Mapping{Temporary: e.object.ID(), Permanent: response[i].ID()})
			q.ids.Add(c.Location, e.object.ID(), response[i].ID())
		}
		q.commits.Add(commitKey(c.Location, response[i].ID()), response[i].GN())
	}
	q.remove(c)
	c.finish(Committed, nil, now)
	return mappings, nil
}

// Fail finishes a change with an error
func (q *Queue) Fail(c *Change, err error, now time.Time) {
	if c.Finished() {
		return
	}
	q.remove(c)
	c.finish(Failed, err, now)
}

// Cancel finishes a change without sending it
func (q *Queue) Cancel(c *Change, now time.Time) {
	if c.Finished() {
		return
	}
	q.remove(c)
	c.finish(Canceled, ErrCanceled, now)
}

// Reconcile applies handled conflicts to a still-queued change: preserved
// edits now start from the remote generation, the others are dropped. The
// change is canceled when nothing is left; Reconcile reports whether it was.
func (q *Queue) Reconcile(c *Change, conflicts []*Conflict, now time.Time) bool {
	if c.State != Queued {
		return false
	}
	for _, conflict := range conflicts {
		if conflict.preserve {
			conflict.entry.base = conflict.Remote.GN()
			continue
		}
		conflict.entry.dropped = true
	}
	if c.Empty() {
		q.Cancel(c, now)
		return true
	}
	return false
}

// IsOwnCommit reports whether a notification describes a write this queue
// committed, or an older one
func (q *Queue) IsOwnCommit(n proto.Notification) bool {
	value, ok := q.commits.Get(commitKey(n.Location, n.ID))
	if !ok {
		return false
	}
	return n.GN <= value.(int64)
}

func (q *Queue) remove(c *Change) {
	for i, live := range q.changes {
		if live == c {
			q.changes = append(q.changes[:i:i], q.changes[i+1:]...)
			return
		}
	}
}

// Overlay applies unfinished changes on top of a result list sorted by id,
// so uncommitted edits are visible before the server confirms them
func Overlay(results []proto.Object, changes []*Change, criteria proto.Criteria) []proto.Object {
	if len(changes) == 0 {
		return results
	}
	out := append([]proto.Object(nil), results...)
	for _, c := range changes {
		for _, e := range c.entries {
			if e.dropped {
				continue
			}
			object := e.object
			if e.committed != nil {
				object = e.committed
			}
			if e.removed || !criteria.Match(object) {
				out = search.Strip(out, []int64{object.ID()})
				continue
			}
			out = search.Insert(out, object)
		}
	}
	return out
}
