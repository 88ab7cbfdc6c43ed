package domain

import (
	"context"
	"errors"
	"time"

	"github.com/nkkko/remotesync/pkg/proto"
)

// ErrNotFound is returned by cache adapters when a record or signature is absent
var ErrNotFound = errors.New("not found")

// CacheRecord is one object held by the local cache together with the time
// it was last retrieved from the server
type CacheRecord struct {
	Object      proto.Object
	RetrievedAt time.Time
}

// LocalCache defines the interface for local cache implementations. Records
// are addressed by (address, schema, table, object id).
type LocalCache interface {
	// Find returns the cached records of a table matching the criteria
	Find(ctx context.Context, loc proto.Location, criteria proto.Criteria) ([]CacheRecord, error)

	// Save stores objects, stamping them with the given retrieval time
	Save(ctx context.Context, loc proto.Location, objects []proto.Object, retrievedAt time.Time) error

	// Remove deletes objects by id
	Remove(ctx context.Context, loc proto.Location, objects []proto.Object) error

	// Clean purges every record of a schema on a server; an empty schema
	// purges the whole server
	Clean(ctx context.Context, address, schema string) error

	// GetSignature returns the stored schema signature or ErrNotFound
	GetSignature(ctx context.Context, address, schema string) (string, error)

	// SetSignature stores the schema signature
	SetSignature(ctx context.Context, address, schema, signature string) error

	// Close releases the underlying store
	Close() error
}

// RemoteTransport defines the wire protocol spoken with remote servers
type RemoteTransport interface {
	// Data endpoints
	Discover(ctx context.Context, loc proto.Location, token string, criteria proto.Criteria) (*proto.DiscoveryResult, error)
	Retrieve(ctx context.Context, loc proto.Location, token string, ids []int64) ([]proto.Object, error)
	Store(ctx context.Context, loc proto.Location, token string, objects []proto.Object) ([]proto.Object, error)
	Signature(ctx context.Context, address, schema, token string) (string, error)

	// Session endpoints
	CreateSession(ctx context.Context, address, area, parentHandle string) (*proto.SessionHandle, error)
	PollSession(ctx context.Context, address, handle string) (*proto.SessionInfo, error)
	Authenticate(ctx context.Context, address, handle string, creds proto.Credentials) (*proto.SessionInfo, error)
	DeleteSession(ctx context.Context, address, handle string) error
	OAuthURL(address, provider, handle string) string
}

// EventListener receives engine events synchronously after the state
// change that produced them is complete
type EventListener func(evt proto.Event)

// EventEmitter dispatches engine events to registered listeners
type EventEmitter interface {
	Emit(evt proto.Event)
}

// Invalidator accepts change notifications; nil means everything may have changed
type Invalidator interface {
	Invalidate(ctx context.Context, changes []proto.Notification) error
}
