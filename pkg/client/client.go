// Package client is the public entry point to the sync engine: it opens a
// local cache, connects it to one remote server and exposes find, save and
// remove on that server's tables.
package client

import (
	"context"
	"time"

	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/config"
	"github.com/nkkko/remotesync/internal/datasource"
	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/pkg/proto"
)

// Conflict describes a local edit overtaken by another writer. Call
// Preserve to keep the local edit; otherwise it is dropped.
type Conflict = change.Conflict

// ConflictHandler decides the outcome of one conflict
type ConflictHandler = change.ConflictHandler

// Client synchronizes the tables of one schema on one remote server
type Client struct {
	address string
	engine  *engine.Engine
	source  *datasource.DataSource
	cancel  context.CancelFunc
	done    chan error
}

// ClientOption is a function that configures a Client
type ClientOption func(*config.Config)

// WithSchema selects the schema whose tables the client addresses
func WithSchema(schema string) ClientOption {
	return func(c *config.Config) {
		c.Remote.Schema = schema
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *config.Config) {
		c.Remote.RequestTimeoutMs = int(timeout / time.Millisecond)
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *config.Config) {
		for k, v := range headers {
			c.Remote.Headers[k] = v
		}
	}
}

// WithArea sets the authorization area sessions are opened for
func WithArea(area string) ClientOption {
	return func(c *config.Config) {
		c.Remote.Area = area
	}
}

// WithPersistentCache keeps the cache in dataDir using the badger or bbolt backend
func WithPersistentCache(backend, dataDir string) ClientOption {
	return func(c *config.Config) {
		c.Cache.Backend = backend
		c.Cache.DataDir = dataDir
	}
}

// WithoutPush disables following the server's push channel
func WithoutPush() ClientOption {
	return func(c *config.Config) {
		c.Notifier.Enabled = false
	}
}

// New opens a client for the server at address and starts its background
// synchronization. Close releases it.
func New(address string, options ...ClientOption) (*Client, error) {
	cfg := config.DefaultConfig()
	cfg.Remote.Address = address
	for _, option := range options {
		option(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		address: address,
		engine:  e,
		source:  e.DataSource(),
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { c.done <- e.Start(ctx) }()
	return c, nil
}

// Table returns the location of a table in the client's schema
func (c *Client) Table(name string) proto.Location {
	return c.engine.Location(name)
}

// Find answers a query from the cache, revalidating it with the server as
// the query's blocking policy requires
func (c *Client) Find(ctx context.Context, q proto.Query) ([]proto.Object, error) {
	return c.source.Find(ctx, q)
}

// Save stores objects and waits until the server has committed them
func (c *Client) Save(ctx context.Context, loc proto.Location, objects []proto.Object, onConflict ...ConflictHandler) ([]proto.Object, error) {
	return c.source.Save(ctx, loc, objects, conflictOptions(onConflict)...)
}

// Remove deletes objects and waits until the server has committed the removal
func (c *Client) Remove(ctx context.Context, loc proto.Location, objects []proto.Object, onConflict ...ConflictHandler) ([]proto.Object, error) {
	return c.source.Remove(ctx, loc, objects, conflictOptions(onConflict)...)
}

// Login authorizes the client's session with htpasswd credentials
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.source.Authenticate(ctx, c.address, proto.Credentials{
		Username: username,
		Password: password,
	})
}

// OnEvent registers a listener for the given event types, or for every
// event when none are given; the returned function unregisters it
func (c *Client) OnEvent(fn func(evt proto.Event), types ...proto.EventType) func() {
	id := c.source.AddListener(fn, types...)
	return func() {
		_ = c.source.RemoveListener(id)
	}
}

// Close stops background synchronization and releases the cache
func (c *Client) Close() error {
	c.cancel()
	err := <-c.done
	if shutdownErr := c.engine.Shutdown(context.Background()); err == nil {
		err = shutdownErr
	}
	return err
}

func conflictOptions(handlers []ConflictHandler) []datasource.WriteOption {
	options := make([]datasource.WriteOption, 0, len(handlers))
	for _, h := range handlers {
		options = append(options, datasource.WithConflictHandler(h))
	}
	return options
}
