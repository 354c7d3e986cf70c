// Package storagetest holds the behaviour every storage.Store must share.
// Backends call Run from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func payload(uuid string, dirty bool) models.Payload {
	return models.Payload{
		UUID:          uuid,
		ContentType:   models.ContentTypeNote,
		EncContent:    []byte("ct-" + uuid),
		Nonce:         []byte("nonce"),
		EncItemKeyRef: "key-1",
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Dirty:         dirty,
		DirtiedAt:     t0,
		Version:       common.ProtocolVersion,
	}
}

// Run exercises open against the shared contract. open must return an
// empty store.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("commit and load", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		b := storage.Batch{
			Payloads: []models.Payload{payload("a", true), payload("b", false)},
			History: []models.HistoryEntry{{
				ID: "h1", ItemUUID: "a", Payload: payload("a", false),
				Origin: models.HistoryServerSync, RecordedAt: t0, Synced: true,
			}},
			Keys: []storage.WrappedKey{{
				UUID: "vk1", SystemIdentifier: "vault", Epoch: 1, State: "active",
				EncKey: []byte("wrapped"), Nonce: []byte("n"), CreatedAt: t0,
			}},
		}
		b.SetMeta("cursor", []byte("42"))
		require.NoError(t, s.Commit(ctx, b))

		payloads, err := s.LoadPayloads(ctx)
		require.NoError(t, err)
		require.Len(t, payloads, 2)
		assert.Equal(t, "a", payloads[0].UUID)
		assert.True(t, payloads[0].Dirty)
		assert.Equal(t, []byte("ct-a"), payloads[0].EncContent)
		assert.True(t, payloads[0].CreatedAt.Equal(t0))

		hist, err := s.LoadHistory(ctx)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "a", hist[0].ItemUUID)
		assert.Equal(t, []byte("ct-a"), hist[0].Payload.EncContent)

		keys, err := s.LoadWrappedKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "vault", keys[0].SystemIdentifier)
		assert.Equal(t, []byte("wrapped"), keys[0].EncKey)
		assert.True(t, keys[0].CreatedAt.Equal(t0))

		v, err := s.GetMeta(ctx, "cursor")
		require.NoError(t, err)
		assert.Equal(t, []byte("42"), v)
	})

	t.Run("replaying a batch is harmless", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		b := storage.Batch{
			Payloads:       []models.Payload{payload("a", false)},
			DeletePayloads: []string{"never-existed"},
			DeleteHistory:  []string{"nope"},
			DeleteKeys:     []string{"nope"},
			DeleteMeta:     []string{"nope"},
		}
		require.NoError(t, s.Commit(ctx, b))
		require.NoError(t, s.Commit(ctx, b))

		payloads, err := s.LoadPayloads(ctx)
		require.NoError(t, err)
		assert.Len(t, payloads, 1)
	})

	t.Run("updates and deletes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Commit(ctx, storage.Batch{Payloads: []models.Payload{payload("a", true), payload("b", true)}}))

		updated := payload("a", false)
		updated.EncContent = []byte("v2")
		require.NoError(t, s.Commit(ctx, storage.Batch{
			Payloads:       []models.Payload{updated},
			DeletePayloads: []string{"b"},
		}))

		payloads, err := s.LoadPayloads(ctx)
		require.NoError(t, err)
		require.Len(t, payloads, 1)
		assert.Equal(t, []byte("v2"), payloads[0].EncContent)
		assert.False(t, payloads[0].Dirty)

		require.NoError(t, s.Commit(ctx, storage.Batch{
			Keys: []storage.WrappedKey{{UUID: "k", SystemIdentifier: "v", Epoch: 1, State: "active", EncKey: []byte{1}, Nonce: []byte{2}, CreatedAt: t0}},
		}))
		require.NoError(t, s.Commit(ctx, storage.Batch{
			Keys: []storage.WrappedKey{{UUID: "k", SystemIdentifier: "v", Epoch: 1, State: "superseded", EncKey: []byte{1}, Nonce: []byte{2}, CreatedAt: t0}},
		}))
		keys, err := s.LoadWrappedKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "superseded", keys[0].State)

		require.NoError(t, s.Commit(ctx, storage.Batch{DeleteKeys: []string{"k"}}))
		keys, err = s.LoadWrappedKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("metadata", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.GetMeta(ctx, "missing")
		assert.ErrorIs(t, err, common.ErrorNotFound)

		b := storage.Batch{}
		b.SetMeta("msg:1", []byte("x"))
		b.SetMeta("msg:2", []byte("y"))
		b.SetMeta("seq:alice", []byte("3"))
		b.SetMeta("empty", nil)
		require.NoError(t, s.Commit(ctx, b))

		got, err := s.ListMeta(ctx, "msg:")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"msg:1": []byte("x"), "msg:2": []byte("y")}, got)

		all, err := s.ListMeta(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		require.NoError(t, s.Commit(ctx, storage.Batch{DeleteMeta: []string{"msg:1"}}))
		_, err = s.GetMeta(ctx, "msg:1")
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("history deletes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		entries := []models.HistoryEntry{
			{ID: "h1", ItemUUID: "a", Payload: payload("a", false), RecordedAt: t0},
			{ID: "h2", ItemUUID: "a", Payload: payload("a", true), RecordedAt: t0.Add(time.Second)},
		}
		require.NoError(t, s.Commit(ctx, storage.Batch{History: entries}))
		require.NoError(t, s.Commit(ctx, storage.Batch{DeleteHistory: []string{"h1"}}))

		hist, err := s.LoadHistory(ctx)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "h2", hist[0].ID)
	})
}
