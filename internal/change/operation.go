package change

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/remotesync/pkg/proto"
)

// Kind of write request
type Kind string

const (
	KindStorage Kind = "storage"
	KindRemoval Kind = "removal"
)

// Operation is one save or remove call. It resolves with the objects as the
// server persisted them.
type Operation struct {
	ID   string
	Kind Kind
	proto.Location
	Objects []proto.Object

	Start  time.Time
	Finish time.Time

	results []proto.Object
	err     error
	entries []*entry
	noop    []proto.Object
	done    chan struct{}
}

// NewStorage creates a save request
func NewStorage(loc proto.Location, objects []proto.Object, now time.Time) *Operation {
	return newOperation(KindStorage, loc, objects, now)
}

// NewRemoval creates a remove request
func NewRemoval(loc proto.Location, objects []proto.Object, now time.Time) *Operation {
	return newOperation(KindRemoval, loc, objects, now)
}

func newOperation(kind Kind, loc proto.Location, objects []proto.Object, now time.Time) *Operation {
	return &Operation{
		ID:       uuid.NewString(),
		Kind:     kind,
		Location: loc,
		Objects:  proto.CloneObjects(objects),
		Start:    now,
		done:     make(chan struct{}),
	}
}

// Done is closed once the operation has resolved
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Resolved reports whether the operation has finished
func (o *Operation) Resolved() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation resolves or ctx is done
func (o *Operation) Wait(ctx context.Context) ([]proto.Object, error) {
	select {
	case <-o.done:
		return o.results, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve completes the operation directly, for writes that never reach a server
func (o *Operation) Resolve(results []proto.Object, err error, now time.Time) {
	if o.Resolved() {
		return
	}
	o.results = results
	o.err = err
	o.Finish = now
	close(o.done)
}

// settle resolves the operation from its entries once their change finished
func (o *Operation) settle(err error, now time.Time) {
	if err != nil {
		o.Resolve(nil, err, now)
		return
	}
	results := make([]proto.Object, 0, len(o.entries)+len(o.noop))
	results = append(results, o.noop...)
	for _, e := range o.entries {
		if e.dropped {
			continue
		}
		results = append(results, e.committed)
	}
	if len(results) == 0 && len(o.entries) > 0 {
		o.Resolve(nil, ErrCanceled, now)
		return
	}
	o.Resolve(results, nil, now)
}

// OperationInfo is a read-only summary of an operation
type OperationInfo struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Location proto.Location `json:"location"`
	Count    int            `json:"count"`
	Resolved bool           `json:"resolved"`
	Start    time.Time      `json:"start"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// Info summarizes the operation
func (o *Operation) Info() OperationInfo {
	info := OperationInfo{
		ID:       o.ID,
		Kind:     o.Kind,
		Location: o.Location,
		Count:    len(o.Objects),
		Start:    o.Start,
	}
	if o.Resolved() {
		info.Resolved = true
		info.Duration = o.Finish.Sub(o.Start)
		if o.err != nil {
			info.Error = o.err.Error()
		}
	}
	return info
}
