// Package datasource is the remote data source: it answers find, save and
// remove calls from the local cache while keeping that cache consistent
// with one or more remote servers.
package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/internal/notifier"
	"github.com/nkkko/remotesync/internal/prefetch"
	"github.com/nkkko/remotesync/internal/router"
	"github.com/nkkko/remotesync/internal/search"
	"github.com/nkkko/remotesync/internal/session"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Ensure DataSource accepts push notifications
var _ domain.Invalidator = (*DataSource)(nil)

// Config contains data source configuration
type Config struct {
	// Cached results older than this are revalidated
	RefreshInterval time.Duration

	// Number of searches remembered
	RecentSearches int

	// Delay before a queued change is sent, so bursts of writes merge
	DispatchDelay time.Duration

	// How often queued changes that could not be sent are retried
	RedispatchInterval time.Duration

	// Servers whose push channel is followed while running
	PushAddresses []string

	Session  session.Config
	Events   router.Config
	Changes  change.Config
	Prefetch prefetch.Config
	Push     notifier.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		RefreshInterval:    15 * time.Minute,
		RecentSearches:     1024,
		DispatchDelay:      10 * time.Millisecond,
		RedispatchInterval: 5 * time.Second,
		Session:            session.DefaultConfig(),
		Events:             router.DefaultConfig(),
		Changes:            change.DefaultConfig(),
		Prefetch:           prefetch.DefaultConfig(),
		Push:               notifier.DefaultConfig(),
	}
}

// tracked is a search together with the query that created it
type tracked struct {
	search *search.Search
	query  proto.Query
}

// waiter is one pending Await call
type waiter struct {
	loc proto.Location
	id  int64
	ch  chan struct{}
}

// DataSource owns the sessions, searches, change queue and id table of one
// engine instance. Shared state is mutated only under mu; remote calls and
// listeners run outside it.
type DataSource struct {
	config     Config
	remote     domain.RemoteTransport
	cache      domain.LocalCache
	router     *router.Router
	sessions   *session.Manager
	prefetcher *prefetch.Scheduler

	mu          sync.Mutex
	searches    *lru.Cache
	queue       *change.Queue
	verified    map[string]bool
	waiters     map[string]*waiter
	active      bool
	activatedAt time.Time
	activeCtx   context.Context
	cancel      context.CancelFunc
	foreground  int

	group   singleflight.Group
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an inactive data source
func New(config Config, remote domain.RemoteTransport, cache domain.LocalCache) (*DataSource, error) {
	defaults := DefaultConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.RecentSearches <= 0 {
		config.RecentSearches = defaults.RecentSearches
	}
	if config.DispatchDelay < 0 {
		config.DispatchDelay = 0
	}
	if config.RedispatchInterval <= 0 {
		config.RedispatchInterval = defaults.RedispatchInterval
	}

	searches, err := lru.New(config.RecentSearches)
	if err != nil {
		return nil, fmt.Errorf("failed to create search list: %w", err)
	}
	queue, err := change.NewQueue(config.Changes)
	if err != nil {
		return nil, err
	}

	r := router.NewRouter(config.Events)
	d := &DataSource{
		config:   config,
		remote:   remote,
		cache:    cache,
		router:   r,
		sessions: session.NewManager(config.Session, remote, cache, r),
		searches: searches,
		queue:    queue,
		verified: make(map[string]bool),
		waiters:  make(map[string]*waiter),
		now:      time.Now,
		logger:   log.With().Str("component", "datasource").Logger(),
		metrics:  metrics.GetMetrics(),
	}
	d.prefetcher = prefetch.NewScheduler(config.Prefetch, d)
	return d, nil
}

// SetClock replaces the time source, for tests
func (d *DataSource) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
	d.sessions.SetClock(now)
}

// Activate enables remote traffic and sends any queued changes
func (d *DataSource) Activate() {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.activatedAt = d.now()
	d.activeCtx, d.cancel = context.WithCancel(context.Background())
	d.verified = make(map[string]bool)
	d.sessions.Activate()
	queued := d.queue.Queued()
	d.mu.Unlock()

	d.logger.Info().Int("queued_changes", len(queued)).Msg("Data source activated")
	for _, c := range queued {
		d.scheduleDispatch(c)
	}
}

// Deactivate stops remote traffic. In-flight searches fail with
// ErrInactive; in-flight changes return to the queue.
func (d *DataSource) Deactivate() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.cancel()
	d.activeCtx, d.cancel = nil, nil
	d.mu.Unlock()

	d.prefetcher.Clear()
	d.sessions.Deactivate()
	d.logger.Info().Msg("Data source deactivated")
}

// Active reports whether the data source is activated
func (d *DataSource) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// activation returns the context of the current activation
func (d *DataSource) activation() (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeCtx, d.active
}

// Start runs the background loops until ctx is done: the session sweep, the
// prefetch scheduler, the change re-dispatch and one push notifier per
// configured server
func (d *DataSource) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.sessions.Start(gctx)
	})
	g.Go(func() error {
		return d.prefetcher.Run(gctx)
	})
	g.Go(func() error {
		return d.redispatchLoop(gctx)
	})
	for _, address := range d.config.PushAddresses {
		n := notifier.NewNotifier(d.config.Push, address, d, d.sessions.Token)
		g.Go(func() error {
			return n.Run(gctx)
		})
	}

	return g.Wait()
}

// AddListener registers a listener for the given event types, or for every
// event when none are given. Listeners run synchronously after the state
// change that produced the event.
func (d *DataSource) AddListener(fn domain.EventListener, types ...proto.EventType) string {
	return d.router.AddListener(fn, types...)
}

// RemoveListener unregisters a listener
func (d *DataSource) RemoveListener(id string) error {
	return d.router.RemoveListener(id)
}

// Subscribe returns a buffered channel of events
func (d *DataSource) Subscribe(types ...proto.EventType) *router.Subscription {
	return d.router.Subscribe(types...)
}

func (d *DataSource) emit(evt proto.Event) {
	d.router.Emit(evt)
}

func (d *DataSource) emitChange(loc proto.Location, results []proto.Object) {
	l := loc
	d.emit(proto.Event{Type: proto.EventChange, Address: loc.Address, Location: &l, Results: results})
}

// Sessions returns the session manager, for mobile pairing and inspection
func (d *DataSource) Sessions() *session.Manager {
	return d.sessions
}

// Token returns a valid auth token for a server
func (d *DataSource) Token(ctx context.Context, address string) (string, error) {
	return d.sessions.Token(ctx, address)
}

// Authenticate exchanges credentials for authorization of a server's session
func (d *DataSource) Authenticate(ctx context.Context, address string, creds proto.Credentials) error {
	return d.sessions.Authenticate(ctx, address, creds)
}

// CheckAuthorization reports whether a server has authorized the session
func (d *DataSource) CheckAuthorization(ctx context.Context, address string) (bool, error) {
	return d.sessions.CheckAuthorization(ctx, address)
}

// RequestAuthentication asks consumers for credentials and waits for authorization
func (d *DataSource) RequestAuthentication(ctx context.Context, address string) error {
	return d.sessions.RequestAuthentication(ctx, address)
}

// OAuthURL returns the URL starting an OAuth handshake with a server
func (d *DataSource) OAuthURL(ctx context.Context, address, provider string) (string, error) {
	return d.sessions.OAuthURL(ctx, address, provider)
}

// EndSession logs out of a server and forgets everything cached from it
func (d *DataSource) EndSession(ctx context.Context, address string) error {
	err := d.sessions.End(ctx, address)
	d.forget(address, "")
	return err
}

// FindPermanentID returns the id the server assigned to a temporary id
func (d *DataSource) FindPermanentID(loc proto.Location, temporary int64) (int64, bool) {
	return d.queue.IDs().Permanent(loc, temporary)
}

// FindTemporaryID returns the temporary id a permanent id was created under
func (d *DataSource) FindTemporaryID(loc proto.Location, permanent int64) (int64, bool) {
	return d.queue.IDs().Temporary(loc, permanent)
}

// RecentSearches summarizes the remembered searches, most recent first
func (d *DataSource) RecentSearches() []search.Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := d.searches.Keys()
	infos := make([]search.Info, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if value, ok := d.searches.Peek(keys[i]); ok {
			infos = append(infos, value.(*tracked).search.Info())
		}
	}
	return infos
}

// RecentOperations summarizes the recent save and remove calls, oldest first
func (d *DataSource) RecentOperations() []change.OperationInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Recent()
}

// eachSearch calls fn for every remembered search of a location; the
// caller holds d.mu
func (d *DataSource) eachSearch(loc proto.Location, fn func(t *tracked)) {
	for _, key := range d.searches.Keys() {
		value, ok := d.searches.Peek(key)
		if !ok {
			continue
		}
		t := value.(*tracked)
		if t.search.Location == loc {
			fn(t)
		}
	}
}

// forget drops the remembered searches and verified signatures of a server,
// or of one of its schemas
func (d *DataSource) forget(address, schema string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range d.searches.Keys() {
		value, ok := d.searches.Peek(key)
		if !ok {
			continue
		}
		s := value.(*tracked).search
		if s.Address == address && (schema == "" || s.Schema == schema) && s.Checking() == nil {
			d.searches.Remove(key)
		}
	}
	for key := range d.verified {
		if key == signatureKey(address, schema) || (schema == "" && hasAddress(key, address)) {
			delete(d.verified, key)
		}
	}
}

func signatureKey(address, schema string) string {
	return address + "\x00" + schema
}

func hasAddress(key, address string) bool {
	return len(key) > len(address) && key[:len(address)+1] == address+"\x00"
}
