package change

import (
	"sync"

	"github.com/nkkko/remotesync/pkg/proto"
)

// IDMap remembers which permanent id the server assigned to each temporary
// id, per table
type IDMap struct {
	mu      sync.RWMutex
	entries map[proto.Location][]Mapping
}

// NewIDMap creates an empty id table
func NewIDMap() *IDMap {
	return &IDMap{entries: make(map[proto.Location][]Mapping)}
}

// Add records a mapping. An existing mapping with the same temporary or
// permanent id is replaced.
func (m *IDMap) Add(loc proto.Location, temporary, permanent int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[loc]
	kept := list[:0]
	for _, e := range list {
		if e.Permanent == permanent || e.Temporary == temporary {
			continue
		}
		kept = append(kept, e)
	}
	m.entries[loc] = append(kept, Mapping{Temporary: temporary, Permanent: permanent})
}

// Permanent returns the permanent id of a temporary id
func (m *IDMap) Permanent(loc proto.Location, temporary int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries[loc] {
		if e.Temporary == temporary {
			return e.Permanent, true
		}
	}
	return 0, false
}

// Temporary returns the temporary id a permanent id was created under
func (m *IDMap) Temporary(loc proto.Location, permanent int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries[loc] {
		if e.Permanent == permanent {
			return e.Temporary, true
		}
	}
	return 0, false
}

// Rewrite replaces temporary ids whose permanent id is known
func (m *IDMap) Rewrite(loc proto.Location, objects []proto.Object) []proto.Object {
	out := make([]proto.Object, len(objects))
	for i, object := range objects {
		out[i] = object
		if !object.HasID() || object.ID() >= 0 {
			continue
		}
		if permanent, ok := m.Permanent(loc, object.ID()); ok {
			out[i] = object.WithID(permanent)
		}
	}
	return out
}
