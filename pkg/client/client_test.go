package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/remotesync/internal/testserver"
	"github.com/nkkko/remotesync/pkg/proto"
)

func TestClient(t *testing.T) {
	srv := testserver.New(testserver.DefaultConfig())
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	c, err := New(httpServer.URL, WithSchema("app"), WithPersistentCache("badger", t.TempDir()), WithoutPush())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes := make(chan proto.Event, 16)
	stop := c.OnEvent(func(evt proto.Event) { changes <- evt }, proto.EventChange)
	defer stop()

	notes := c.Table("note")
	saved, err := c.Save(ctx, notes, []proto.Object{{"text": "hi"}})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.False(t, saved[0].IsTemporary())

	stored, ok := srv.Get("app", "note", saved[0].ID())
	require.True(t, ok)
	assert.Equal(t, "hi", stored["text"])
	assert.NotEmpty(t, changes)

	results, err := c.Find(ctx, proto.Query{Location: notes})
	require.NoError(t, err)
	require.Len(t, results, 1)

	_, err = c.Remove(ctx, notes, results)
	require.NoError(t, err)
	_, ok = srv.Get("app", "note", saved[0].ID())
	assert.False(t, ok)

	assert.NoError(t, c.Close())
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New("localhost:8080")
	assert.Error(t, err)
}
