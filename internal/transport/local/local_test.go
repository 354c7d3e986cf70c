package local

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_OfflineFailsWithNetworkError(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(nil)
	id, err := srv.Register(ctx, "alice")
	require.NoError(t, err)

	tr := srv.Connect(id)
	tr.SetOffline(true)
	_, err = tr.Pull(ctx, "", 10)
	assert.ErrorIs(t, err, common.ErrNetwork)
	_, err = tr.Push(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNetwork)

	tr.SetOffline(false)
	_, err = tr.Pull(ctx, "", 10)
	assert.NoError(t, err)
}

func TestTransport_ChangesFollowPushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(nil)
	id, err := srv.Register(ctx, "alice")
	require.NoError(t, err)

	phone := srv.Connect(id)
	laptop := srv.Connect(id)
	changes, err := laptop.Changes(ctx)
	require.NoError(t, err)

	p := models.Payload{UUID: "n1", ContentType: models.ContentTypeNote, EncContent: []byte("ct"), Version: common.ProtocolVersion}
	_, err = phone.Push(ctx, []models.Payload{p})
	require.NoError(t, err)

	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}

	cancel()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.subs[id]) == 0
	}, time.Second, 10*time.Millisecond)
}
