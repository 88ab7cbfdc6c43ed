// Package change models pending writes: the Change state machine that merges
// queued saves and removals per table, the recent operation list, the
// temporary-to-permanent id table and conflict reconciliation.
package change

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/remotesync/pkg/proto"
)

// ErrCanceled is returned by operations whose edits were all dropped
var ErrCanceled = errors.New("change canceled")

// State of a Change
type State string

const (
	Queued     State = "queued"
	Dispatched State = "dispatched"
	Committed  State = "committed"
	Canceled   State = "canceled"
	Failed     State = "failed"
)

// ConflictHandler decides whether a local edit survives a newer remote copy.
// Edits are dropped unless the handler calls Preserve.
type ConflictHandler func(c *Conflict)

// Conflict describes a queued edit overtaken by another writer
type Conflict struct {
	proto.Location
	Local  proto.Object
	Remote proto.Object

	entry    *entry
	preserve bool
}

// Preserve keeps the local edit
func (c *Conflict) Preserve() {
	c.preserve = true
}

// Preserved reports whether the handler kept the local edit
func (c *Conflict) Preserved() bool {
	return c.preserve
}

// entry is one object slot in a Change
type entry struct {
	object    proto.Object
	removed   bool
	base      int64
	committed proto.Object
	dropped   bool
}

// Change is the single undispatched write batch of a table. Later writes
// merge into it until it dispatches.
type Change struct {
	ID string
	proto.Location
	State State

	QueuedAt     time.Time
	DispatchedAt time.Time
	FinishedAt   time.Time
	Err          error

	handler ConflictHandler
	entries []*entry
	ops     []*Operation
	done    chan struct{}
}

func newChange(loc proto.Location, handler ConflictHandler, now time.Time) *Change {
	return &Change{
		ID:       uuid.NewString(),
		Location: loc,
		State:    Queued,
		QueuedAt: now,
		handler:  handler,
		done:     make(chan struct{}),
	}
}

// Done is closed when the change has committed, failed or been canceled
func (c *Change) Done() <-chan struct{} {
	return c.done
}

// Objects returns the queued objects that have not been dropped
func (c *Change) Objects() []proto.Object {
	objects := make([]proto.Object, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.dropped {
			objects = append(objects, e.object)
		}
	}
	return objects
}

// Removed reports, in the order of Objects, which objects are deletions
func (c *Change) Removed() []bool {
	flags := make([]bool, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.dropped {
			flags = append(flags, e.removed)
		}
	}
	return flags
}

// Empty reports whether every queued edit was dropped
func (c *Change) Empty() bool {
	for _, e := range c.entries {
		if !e.dropped {
			return false
		}
	}
	return true
}

// Finished reports whether the change reached a final state
func (c *Change) Finished() bool {
	return c.State == Committed || c.State == Canceled || c.State == Failed
}

func (c *Change) find(object proto.Object) *entry {
	if !object.HasID() {
		return nil
	}
	id := object.ID()
	for _, e := range c.entries {
		if !e.dropped && e.object.HasID() && e.object.ID() == id {
			return e
		}
	}
	return nil
}

// add merges one operation into the change. Objects already queued with
// the same id are replaced in place. Removing an object the server has
// never seen needs no request; such objects resolve immediately.
func (c *Change) add(op *Operation, handler ConflictHandler) (noop []proto.Object) {
	if handler != nil {
		c.handler = handler
	}
	for _, object := range op.Objects {
		existing := c.find(object)

		if op.Kind == KindRemoval && object.IsTemporary() {
			if existing != nil {
				existing.dropped = true
			}
			noop = append(noop, object)
			continue
		}

		payload := object.Clone()
		if op.Kind == KindRemoval {
			payload["deleted"] = true
		}
		if existing != nil {
			existing.object = payload
			existing.removed = op.Kind == KindRemoval
			op.entries = append(op.entries, existing)
			continue
		}
		e := &entry{object: payload, removed: op.Kind == KindRemoval, base: object.GN()}
		c.entries = append(c.entries, e)
		op.entries = append(op.entries, e)
	}
	c.ops = append(c.ops, op)
	return noop
}

// payload returns the objects to send, without temporary ids
func (c *Change) payload() ([]proto.Object, []*entry) {
	var objects []proto.Object
	var sent []*entry
	for _, e := range c.entries {
		if e.dropped {
			continue
		}
		object := e.object.Clone()
		if object.IsTemporary() {
			delete(object, "id")
		}
		objects = append(objects, object)
		sent = append(sent, e)
	}
	return objects, sent
}

func (c *Change) finish(state State, err error, now time.Time) {
	c.State = state
	c.Err = err
	c.FinishedAt = now
	for _, op := range c.ops {
		op.settle(err, now)
	}
	close(c.done)
}

// Conflicts returns the queued edits overtaken by the given remote copies:
// those whose remote generation number is newer than the one the edit
// started from
func (c *Change) Conflicts(remote []proto.Object) []*Conflict {
	if c.State != Queued {
		return nil
	}
	var conflicts []*Conflict
	for _, r := range remote {
		e := c.find(r)
		if e == nil || r.GN() <= e.base {
			continue
		}
		conflicts = append(conflicts, &Conflict{
			Location: c.Location,
			Local:    e.object.Clone(),
			Remote:   r.Clone(),
			entry:    e,
		})
	}
	return conflicts
}

// Handler returns the conflict handler of the most recent write that supplied one
func (c *Change) Handler() ConflictHandler {
	return c.handler
}

// Handle runs a conflict handler on each conflict; without a handler every
// local edit is dropped
func Handle(handler ConflictHandler, conflicts []*Conflict) {
	if handler == nil {
		return
	}
	for _, conflict := range conflicts {
		handler(conflict)
	}
}
