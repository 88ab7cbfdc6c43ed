package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/internal/cache/memory"
	"github.com/nkkko/remotesync/internal/router"
	"github.com/nkkko/remotesync/internal/testserver"
	"github.com/nkkko/remotesync/internal/transport"
	"github.com/nkkko/remotesync/pkg/proto"
)

type fixture struct {
	manager *Manager
	server  *testserver.Server
	cache   *memory.Cache
	router  *router.Router
	address string

	mu     sync.Mutex
	events []proto.Event
}

func (f *fixture) eventTypes() []proto.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]proto.EventType, 0, len(f.events))
	for _, evt := range f.events {
		types = append(types, evt.Type)
	}
	return types
}

func newFixture(t *testing.T, serverConfig testserver.Config) *fixture {
	t.Helper()
	srv := testserver.New(serverConfig)
	httpServer := httptest.NewServer(srv)
	t.Cleanup(httpServer.Close)

	cache, err := memory.NewCache(memory.DefaultConfig())
	require.NoError(t, err)

	f := &fixture{server: srv, cache: cache, router: router.NewRouter(), address: httpServer.URL}
	f.router.AddListener(func(evt proto.Event) {
		f.mu.Lock()
		f.events = append(f.events, evt)
		f.mu.Unlock()
	})

	config := DefaultConfig()
	config.RetryInterval = 10 * time.Millisecond
	f.manager = NewManager(config, transport.New(transport.DefaultConfig()), cache, f.router)
	f.manager.Activate()
	t.Cleanup(f.manager.Deactivate)
	return f
}

func manualConfig() testserver.Config {
	config := testserver.DefaultConfig()
	config.AutoAuthorize = false
	return config
}

func TestManager_BeginIsShared(t *testing.T) {
	config := testserver.DefaultConfig()
	config.Latency = 20 * time.Millisecond
	f := newFixture(t, config)
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]string, 5)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.manager.Begin(ctx, f.address)
			assert.NoError(t, err)
			handles[i] = sess.Handle
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	assert.NotEmpty(t, handles[0])
	assert.Equal(t, 1, f.server.Requests("session"))
}

func TestManager_BeginRetries(t *testing.T) {
	f := newFixture(t, testserver.DefaultConfig())
	f.server.FailNext("session", http.StatusServiceUnavailable, "starting")
	f.server.FailNext("session", http.StatusServiceUnavailable, "starting")

	sess, err := f.manager.Begin(context.Background(), f.address)
	require.NoError(t, err)
	assert.True(t, sess.Established())
	assert.Equal(t, 3, f.server.Requests("session"))
}

func TestManager_BeginFailsOnlyWhenInactive(t *testing.T) {
	f := newFixture(t, testserver.DefaultConfig())
	for i := 0; i < 1000; i++ {
		f.server.FailNext("session", http.StatusServiceUnavailable, "down")
	}

	errs := make(chan error, 1)
	go func() {
		_, err := f.manager.Begin(context.Background(), f.address)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	f.manager.Deactivate()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInactive)
	case <-time.After(2 * time.Second):
		t.Fatal("Begin did not return after deactivation")
	}

	_, err := f.manager.Begin(context.Background(), f.address)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestManager_CheckAuthorization(t *testing.T) {
	f := newFixture(t, testserver.DefaultConfig())

	ok, err := f.manager.CheckAuthorization(context.Background(), f.address)
	require.NoError(t, err)
	assert.True(t, ok)

	sess := f.manager.Obtain(f.address, Primary)
	assert.True(t, sess.Authorized())
	assert.Equal(t, int64(1), sess.UserID)
	assert.Equal(t, "client", sess.Area)
	assert.Equal(t, []proto.EventType{proto.EventAuthorization}, f.eventTypes())

	// Already authorized: no further request
	before := f.server.Requests("session")
	ok, err = f.manager.CheckAuthorization(context.Background(), f.address)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, f.server.Requests("session"))
}

func TestManager_UnauthorizedKeepsSession(t *testing.T) {
	f := newFixture(t, manualConfig())
	f.server.AddUser("alice", "secret", 7)
	ctx := context.Background()

	ok, err := f.manager.CheckAuthorization(ctx, f.address)
	require.NoError(t, err)
	assert.False(t, ok)
	handle := f.manager.Obtain(f.address, Primary).Handle
	assert.NotEmpty(t, handle)

	err = f.manager.Authenticate(ctx, f.address, proto.Credentials{Username: "alice", Password: "nope"})
	require.Error(t, err)
	assert.True(t, transport.IsUnauthorized(err))
	assert.Equal(t, handle, f.manager.Obtain(f.address, Primary).Handle, "a 401 must not discard the session")

	require.NoError(t, f.manager.Authenticate(ctx, f.address, proto.Credentials{Username: "alice", Password: "secret"}))
	sess := f.manager.Obtain(f.address, Primary)
	assert.Equal(t, handle, sess.Handle)
	assert.Equal(t, int64(7), sess.UserID)
}

func TestManager_OtherErrorsDiscard(t *testing.T) {
	f := newFixture(t, manualConfig())
	ctx := context.Background()

	sess, err := f.manager.Begin(ctx, f.address)
	require.NoError(t, err)

	f.server.FailNext("session", http.StatusInternalServerError, "broken")
	err = f.manager.Authenticate(ctx, f.address, proto.Credentials{Username: "x", Password: "y"})
	require.Error(t, err)

	assert.NotEqual(t, sess.Handle, f.manager.Obtain(f.address, Primary).Handle)
	assert.False(t, f.manager.Obtain(f.address, Primary).Established())
}

func TestManager_GrantValidation(t *testing.T) {
	f := newFixture(t, manualConfig())
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name string
		info *proto.SessionInfo
	}{
		{"missing token", &proto.SessionInfo{UserID: 1, Expire: future}},
		{"missing user", &proto.SessionInfo{Token: "t", Expire: future}},
		{"past expiration", &proto.SessionInfo{Token: "t", UserID: 1, Expire: time.Now().Add(-time.Second)}},
		{"wrong area", &proto.SessionInfo{Token: "t", UserID: 1, Expire: future, Area: "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Begin(ctx, f.address)
			require.NoError(t, err)

			err = f.manager.GrantAuthorization(f.address, tc.info)
			assert.ErrorIs(t, err, ErrInvalidAuthorization)
			assert.False(t, f.manager.Obtain(f.address, Primary).Established(), "session should be discarded")
		})
	}

	_, err := f.manager.Begin(ctx, f.address)
	require.NoError(t, err)
	require.NoError(t, f.manager.GrantAuthorization(f.address, &proto.SessionInfo{Token: "t", UserID: 3, Expire: future, Area: "client"}))
	assert.Equal(t, "t", f.manager.Obtain(f.address, Primary).Token)
}

func TestManager_ClearExpired(t *testing.T) {
	t.Run("unauthorized within horizon", func(t *testing.T) {
		f := newFixture(t, manualConfig())
		sess, err := f.manager.Begin(context.Background(), f.address)
		require.NoError(t, err)
		require.False(t, sess.Authorized())

		// 4 minutes before the handle expires
		f.manager.SetClock(func() time.Time { return sess.Expire.Add(-4 * time.Minute) })
		assert.Equal(t, 1, f.manager.ClearExpired(context.Background()))
		assert.False(t, f.manager.Obtain(f.address, Primary).Established())
		assert.NotContains(t, f.eventTypes(), proto.EventExpiration)
	})

	t.Run("authorized until expiration", func(t *testing.T) {
		f := newFixture(t, testserver.DefaultConfig())
		ctx := context.Background()
		ok, err := f.manager.CheckAuthorization(ctx, f.address)
		require.NoError(t, err)
		require.True(t, ok)
		sess := f.manager.Obtain(f.address, Primary)
		require.NoError(t, f.cache.Save(ctx, proto.Location{Address: f.address, Schema: "s", Table: "t"}, []proto.Object{{"id": 1}}, time.Now()))

		f.manager.SetClock(func() time.Time { return sess.Expire.Add(-4 * time.Minute) })
		assert.Equal(t, 0, f.manager.ClearExpired(ctx))
		assert.True(t, f.manager.Obtain(f.address, Primary).Authorized())

		f.manager.SetClock(func() time.Time { return sess.Expire.Add(time.Second) })
		assert.Equal(t, 1, f.manager.ClearExpired(ctx))
		assert.False(t, f.manager.Obtain(f.address, Primary).Authorized())
		assert.Contains(t, f.eventTypes(), proto.EventExpiration)

		records, err := f.cache.Find(ctx, proto.Location{Address: f.address, Schema: "s", Table: "t"}, proto.Criteria{})
		require.NoError(t, err)
		assert.Empty(t, records, "expiration should purge cached data")
	})
}

func TestManager_End(t *testing.T) {
	f := newFixture(t, testserver.DefaultConfig())
	ctx := context.Background()
	_, err := f.manager.CheckAuthorization(ctx, f.address)
	require.NoError(t, err)

	require.NoError(t, f.manager.End(ctx, f.address))
	assert.Empty(t, f.manager.Sessions())
	assert.Equal(t, proto.EventExpiration, f.eventTypes()[len(f.eventTypes())-1])

	// Nothing to end
	require.NoError(t, f.manager.End(ctx, f.address))
}

func TestManager_TokenRequestsAuthentication(t *testing.T) {
	f := newFixture(t, manualConfig())
	f.server.AddUser("alice", "secret", 7)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.router.AddListener(func(evt proto.Event) {
		go f.manager.Authenticate(ctx, evt.Address, proto.Credentials{Username: "alice", Password: "secret"})
	}, proto.EventAuthentication)

	token, err := f.manager.Token(ctx, f.address)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Contains(t, f.eventTypes(), proto.EventAuthentication)
}

func TestManager_WaitForAuthorizationCanceled(t *testing.T) {
	f := newFixture(t, manualConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.manager.RequestAuthentication(ctx, f.address)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_MobileSession(t *testing.T) {
	f := newFixture(t, manualConfig())
	f.server.AddUser("alice", "secret", 7)
	ctx := context.Background()

	_, err := f.manager.BeginMobileSession(ctx, f.address)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, f.manager.Authenticate(ctx, f.address, proto.Credentials{Username: "alice", Password: "secret"}))
	handle, err := f.manager.BeginMobileSession(ctx, f.address)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	again, err := f.manager.BeginMobileSession(ctx, f.address)
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	// The other device adopts the handle
	device := NewManager(DefaultConfig(), transport.New(transport.DefaultConfig()), f.cache, router.NewRouter())
	device.Activate()
	defer device.Deactivate()
	userID, err := device.AcquireMobileSession(ctx, f.address, handle)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)
	assert.True(t, device.Obtain(f.address, Primary).Authorized())

	f.manager.ReleaseMobileSession(f.address)
	assert.False(t, f.manager.Obtain(f.address, Mobile).Established())

	require.NoError(t, f.manager.EndMobileSession(ctx, f.address, handle))
	ok, err := device.CheckAuthorization(ctx, f.address)
	require.NoError(t, err)
	assert.True(t, ok, "the adopted session stays authorized locally until it expires")
}

func TestManager_OAuthURL(t *testing.T) {
	f := newFixture(t, manualConfig())
	url, err := f.manager.OAuthURL(context.Background(), f.address, "github")
	require.NoError(t, err)
	handle := f.manager.Obtain(f.address, Primary).Handle
	assert.Equal(t, f.address+"/srv/session/github/?handle="+handle, url)
}
