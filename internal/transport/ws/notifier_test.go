package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/server/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth map[string]string

func (a staticAuth) Authenticate(token string) (string, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", common.ErrInvalidToken
}

func token(s string) TokenSource {
	return func(context.Context) (string, error) { return s, nil }
}

func startHub(t *testing.T) (*notify.Hub, string) {
	t.Helper()
	hub := notify.NewHub(staticAuth{"tok-alice": "alice", "tok-bob": "bob"}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + notify.Path
}

func waitSubscribers(t *testing.T, hub *notify.Hub, user string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers(user) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestChanges_ReceivesSignalsForOwnUserOnly(t *testing.T) {
	hub, url := startHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, err := New(url, token("tok-alice"), nil).Changes(ctx)
	require.NoError(t, err)
	bob, err := New(url, token("tok-bob"), nil).Changes(ctx)
	require.NoError(t, err)
	waitSubscribers(t, hub, "alice", 1)
	waitSubscribers(t, hub, "bob", 1)

	hub.Notify("alice")

	select {
	case <-alice:
	case <-time.After(2 * time.Second):
		t.Fatal("alice got no signal")
	}
	select {
	case <-bob:
		t.Fatal("bob was signalled for alice's change")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-alice:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	waitSubscribers(t, hub, "alice", 0)
}

func TestChanges_RejectsBadToken(t *testing.T) {
	_, url := startHub(t)

	_, err := New(url, token("forged"), nil).Changes(context.Background())
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestChanges_UnreachableIsNetworkError(t *testing.T) {
	_, err := New("ws://127.0.0.1:1/ws", token("tok-alice"), nil).Changes(context.Background())
	assert.ErrorIs(t, err, common.ErrNetwork)
}

func TestChanges_TokenSourceError(t *testing.T) {
	boom := errors.New("locked")
	_, err := New("ws://127.0.0.1:1/ws", func(context.Context) (string, error) { return "", boom }, nil).Changes(context.Background())
	assert.ErrorIs(t, err, boom)
}
