package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/internal/transport"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config contains session manager configuration
type Config struct {
	// Area requested for every session
	Area string

	// Delay between failed attempts to open a session
	RetryInterval time.Duration

	// How often expired sessions are swept
	SweepInterval time.Duration

	// Unauthorized sessions expiring within this horizon are discarded
	ExpiryHorizon time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Area:          "client",
		RetryInterval: 5 * time.Second,
		SweepInterval: time.Minute,
		ExpiryHorizon: 5 * time.Minute,
	}
}

// Manager owns the session records of one engine instance
type Manager struct {
	config    Config
	transport domain.RemoteTransport
	cache     domain.LocalCache
	emitter   domain.EventEmitter
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[key]*record
	active   context.Context
	cancel   context.CancelFunc
	group    singleflight.Group

	now func() time.Time
}

// NewManager creates a session manager. The manager starts inactive.
func NewManager(config Config, remote domain.RemoteTransport, cache domain.LocalCache, emitter domain.EventEmitter) *Manager {
	defaults := DefaultConfig()
	if config.Area == "" {
		config.Area = defaults.Area
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.ExpiryHorizon <= 0 {
		config.ExpiryHorizon = defaults.ExpiryHorizon
	}

	return &Manager{
		config:    config,
		transport: remote,
		cache:     cache,
		emitter:   emitter,
		logger:    log.With().Str("component", "session").Logger(),
		metrics:   metrics.GetMetrics(),
		sessions:  make(map[key]*record),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Activate allows remote session traffic
func (m *Manager) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		m.active, m.cancel = context.WithCancel(context.Background())
	}
}

// Deactivate aborts establishment retries and wakes authorization waiters
func (m *Manager) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.active, m.cancel = nil, nil
	}
}

func (m *Manager) activation() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrInactive
	}
	return m.active, nil
}

// obtain returns the record for (address, area, type); the caller holds m.mu
func (m *Manager) obtain(address string, typ Type) *record {
	k := key{address: address, area: m.config.Area, typ: typ}
	rec, ok := m.sessions[k]
	if !ok {
		rec = newRecord(k)
		m.sessions[k] = rec
	}
	return rec
}

// Obtain returns the existing or a newly created session record
func (m *Manager) Obtain(address string, typ Type) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obtain(address, typ).Session
}

// Sessions returns a snapshot of every session record
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		list = append(list, rec.Session)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Address != list[j].Address {
			return list[i].Address < list[j].Address
		}
		return list[i].Type < list[j].Type
	})
	return list
}

// Begin establishes the primary session of a server. Concurrent callers
// join the same attempt, which retries until it succeeds or the manager is
// deactivated; ctx only bounds the caller's wait.
func (m *Manager) Begin(ctx context.Context, address string) (Session, error) {
	active, err := m.activation()
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	rec := m.obtain(address, Primary)
	if rec.Established() {
		snapshot := rec.Session
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("begin:"+key{address, m.config.Area, Primary}.String(), func() (interface{}, error) {
		return m.establish(active, rec)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (m *Manager) establish(active context.Context, rec *record) (Session, error) {
	m.mu.Lock()
	if rec.Established() {
		snapshot := rec.Session
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	for {
		handle, err := m.transport.CreateSession(active, rec.Address, rec.Area, "")
		if err == nil {
			m.mu.Lock()
			if rec.isDiscarded() {
				m.mu.Unlock()
				return Session{}, ErrDiscarded
			}
			rec.Handle = handle.Handle
			rec.Expire = handle.Expire
			snapshot := rec.Session
			m.mu.Unlock()

			m.metrics.SessionEventsTotal.WithLabelValues("established").Inc()
			m.logger.Debug().Str("address", rec.Address).Msg("Session established")
			return snapshot, nil
		}

		m.metrics.SessionEventsTotal.WithLabelValues("retry").Inc()
		m.logger.Warn().Err(err).
			Str("address", rec.Address).
			Dur("retry_in", m.config.RetryInterval).
			Msg("Failed to open session")

		select {
		case <-time.After(m.config.RetryInterval):
		case <-active.Done():
			return Session{}, ErrInactive
		}
	}
}

// CheckAuthorization asks the server whether the session's handle has been
// authorized. A 401 leaves the session in place so authentication can be
// retried; any other failure discards it.
func (m *Manager) CheckAuthorization(ctx context.Context, address string) (bool, error) {
	sess, err := m.Begin(ctx, address)
	if err != nil {
		return false, err
	}
	if sess.Authorized() && m.clock().Before(sess.Expire) {
		return true, nil
	}

	active, err := m.activation()
	if err != nil {
		return false, err
	}
	ch := m.group.DoChan("check:"+key{address, m.config.Area, Primary}.String(), func() (interface{}, error) {
		return m.poll(active, address, Primary, sess.Handle)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Manager) poll(ctx context.Context, address string, typ Type, handle string) (bool, error) {
	info, err := m.transport.PollSession(ctx, address, handle)
	if transport.IsUnauthorized(err) {
		return false, nil
	}
	if err != nil {
		m.discardHandle(address, typ, handle)
		return false, fmt.Errorf("failed to check authorization: %w", err)
	}
	if err := m.grantHandle(address, typ, handle, info); err != nil {
		return false, err
	}
	return true, nil
}

// Authenticate exchanges credentials for an authorization. Invalid
// credentials keep the session so another attempt can be made.
func (m *Manager) Authenticate(ctx context.Context, address string, creds proto.Credentials) error {
	sess, err := m.Begin(ctx, address)
	if err != nil {
		return err
	}

	info, err := m.transport.Authenticate(ctx, address, sess.Handle, creds)
	if transport.IsUnauthorized(err) {
		m.metrics.SessionEventsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err != nil {
		m.discardHandle(address, Primary, sess.Handle)
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return m.grantHandle(address, Primary, sess.Handle, info)
}

// GrantAuthorization applies an authorization obtained out of band, e.g.
// through an OAuth redirect. An invalid authorization discards the session.
func (m *Manager) GrantAuthorization(address string, info *proto.SessionInfo) error {
	m.mu.Lock()
	handle := m.obtain(address, Primary).Handle
	m.mu.Unlock()
	return m.grantHandle(address, Primary, handle, info)
}

// grantHandle grants info to the record currently holding handle, discarding
// it when the authorization is invalid
func (m *Manager) grantHandle(address string, typ Type, handle string, info *proto.SessionInfo) error {
	m.mu.Lock()
	rec, ok := m.sessions[key{address, m.config.Area, typ}]
	if !ok || rec.Handle != handle {
		m.mu.Unlock()
		return ErrDiscarded
	}
	err := m.grant(rec, info)
	if err != nil {
		m.discard(rec)
	}
	snapshot := rec.Session
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("address", address).Msg("Rejected authorization")
		return err
	}

	m.metrics.SessionEventsTotal.WithLabelValues("authorized").Inc()
	m.emitter.Emit(proto.Event{
		Type:    proto.EventAuthorization,
		Address: snapshot.Address,
		Area:    snapshot.Area,
	})
	return nil
}

// grant validates and stores an authorization; the caller holds m.mu
func (m *Manager) grant(rec *record, info *proto.SessionInfo) error {
	switch {
	case info == nil || info.Token == "":
		return fmt.Errorf("%w: missing token", ErrInvalidAuthorization)
	case info.UserID == 0:
		return fmt.Errorf("%w: missing user id", ErrInvalidAuthorization)
	case !info.Expire.After(m.now()):
		return fmt.Errorf("%w: expiration %s is not in the future", ErrInvalidAuthorization, info.Expire.Format(time.RFC3339))
	case info.Area != "" && info.Area != rec.Area:
		return fmt.Errorf("%w: area %q does not match %q", ErrInvalidAuthorization, info.Area, rec.Area)
	}

	rec.Token = info.Token
	rec.UserID = info.UserID
	rec.Expire = info.Expire
	select {
	case <-rec.authorized:
	default:
		close(rec.authorized)
	}
	m.updateGauge()
	return nil
}

// WaitForAuthorization blocks until the primary session of a server is authorized
func (m *Manager) WaitForAuthorization(ctx context.Context, address string) error {
	active, err := m.activation()
	if err != nil {
		return err
	}
	m.mu.Lock()
	rec := m.obtain(address, Primary)
	m.mu.Unlock()

	select {
	case <-rec.authorized:
		return nil
	case <-rec.discarded:
		return ErrDiscarded
	case <-active.Done():
		return ErrInactive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAuthentication asks consumers to collect credentials and waits
// until the session is authorized
func (m *Manager) RequestAuthentication(ctx context.Context, address string) error {
	m.emitter.Emit(proto.Event{
		Type:    proto.EventAuthentication,
		Address: address,
		Area:    m.config.Area,
	})
	return m.WaitForAuthorization(ctx, address)
}

// Token returns a valid token for a server, requesting authentication from
// consumers when the server has not authorized the session on its own
func (m *Manager) Token(ctx context.Context, address string) (string, error) {
	for {
		ok, err := m.CheckAuthorization(ctx, address)
		if err != nil {
			return "", err
		}
		if ok {
			break
		}
		err = m.RequestAuthentication(ctx, address)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDiscarded) {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.obtain(address, Primary)
	if !rec.Authorized() {
		return "", ErrNotAuthorized
	}
	return rec.Token, nil
}

// OAuthURL returns the URL starting an OAuth handshake for the session
func (m *Manager) OAuthURL(ctx context.Context, address, provider string) (string, error) {
	sess, err := m.Begin(ctx, address)
	if err != nil {
		return "", err
	}
	return m.transport.OAuthURL(address, provider, sess.Handle), nil
}

// End deletes the session remotely, best effort, then discards it, purges
// the server's cached data and emits an expiration event
func (m *Manager) End(ctx context.Context, address string) error {
	m.mu.Lock()
	rec, ok := m.sessions[key{address, m.config.Area, Primary}]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if rec.Established() {
		if err := m.transport.DeleteSession(ctx, address, rec.Handle); err != nil {
			m.logger.Warn().Err(err).Str("address", address).Msg("Failed to delete remote session")
		}
	}
	m.expire(ctx, rec)
	return nil
}

// Expire handles an authentication failure reported by a data request: the
// session is discarded, its cached data purged and an expiration emitted
func (m *Manager) Expire(ctx context.Context, address string) {
	m.mu.Lock()
	rec, ok := m.sessions[key{address, m.config.Area, Primary}]
	m.mu.Unlock()
	if ok {
		m.expire(ctx, rec)
	}
}

func (m *Manager) expire(ctx context.Context, rec *record) {
	m.mu.Lock()
	m.discard(rec)
	m.mu.Unlock()

	if err := m.cache.Clean(ctx, rec.Address, ""); err != nil {
		m.logger.Error().Err(err).Str("address", rec.Address).Msg("Failed to purge cache")
	}
	m.emitter.Emit(proto.Event{
		Type:    proto.EventExpiration,
		Address: rec.Address,
		Area:    rec.Area,
	})
}

// discard removes a record; the caller holds m.mu
func (m *Manager) discard(rec *record) {
	k := key{rec.Address, rec.Area, rec.Type}
	if m.sessions[k] == rec {
		delete(m.sessions, k)
	}
	if !rec.isDiscarded() {
		close(rec.discarded)
		m.metrics.SessionEventsTotal.WithLabelValues("discarded").Inc()
	}
	m.updateGauge()
}

func (m *Manager) discardHandle(address string, typ Type, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[key{address, m.config.Area, typ}]; ok && rec.Handle == handle {
		m.discard(rec)
	}
}

// updateGauge recounts authorized sessions; the caller holds m.mu
func (m *Manager) updateGauge() {
	count := 0
	for _, rec := range m.sessions {
		if rec.Authorized() {
			count++
		}
	}
	m.metrics.SessionsActive.Set(float64(count))
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

// ClearExpired discards authorized sessions whose expiration has passed and
// unauthorized ones that would expire within the horizon. It returns the
// number of sessions discarded.
func (m *Manager) ClearExpired(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var expired, stale []*record
	for _, rec := range m.sessions {
		if rec.Expire.IsZero() {
			continue
		}
		if rec.Authorized() {
			if !now.Before(rec.Expire) {
				expired = append(expired, rec)
			}
		} else if rec.Expire.Before(now.Add(m.config.ExpiryHorizon)) {
			stale = append(stale, rec)
		}
	}
	for _, rec := range stale {
		m.discard(rec)
	}
	m.mu.Unlock()

	for _, rec := range expired {
		m.expire(ctx, rec)
	}

	swept := len(expired) + len(stale)
	if swept > 0 {
		m.metrics.SessionsSweptTotal.Add(float64(swept))
		m.logger.Debug().
			Int("expired", len(expired)).
			Int("unauthorized", len(stale)).
			Msg("Swept sessions")
	}
	return swept
}

// Start sweeps expired sessions on a fixed interval until ctx is done
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.activation(); err == nil {
				m.ClearExpired(ctx)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
