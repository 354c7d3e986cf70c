package notify

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oneUser struct{}

func (oneUser) Authenticate(token string) (string, error) {
	if token == "good" {
		return "u1", nil
	}
	return "", common.ErrInvalidToken
}

func TestNotify_CoalescesPendingSignals(t *testing.T) {
	h := NewHub(oneUser{}, nil)
	s := h.add("u1")

	h.Notify("u1")
	h.Notify("u1", "u2")
	assert.Len(t, s.signal, 1)

	h.remove("u1", s)
	assert.Equal(t, 0, h.Subscribers("u1"))
	h.Notify("u1")
}

func TestServeHTTP_RequiresToken(t *testing.T) {
	h := NewHub(oneUser{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTP_SendsChangedEvent(t *testing.T) {
	h := NewHub(oneUser{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):]+Path+"?access_token=good", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("u1") == 1 }, 2*time.Second, 10*time.Millisecond)
	h.Notify("u1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventChanged, ev.Type)
}

func TestServe_StopsOnCancel(t *testing.T) {
	h := NewHub(oneUser{}, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, lis) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("hub server did not stop")
	}
}
