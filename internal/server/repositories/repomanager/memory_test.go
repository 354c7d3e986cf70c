package repomanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(ctx context.Context, r Repositories) error {
		require.NoError(t, r.Items().Put(ctx, &models.Item{UUID: "i1", UserID: "u1", Version: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.Repos().Items().Get(ctx, "i1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestInMemory_Users(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRepositoryManager().Repos().Users()

	u, err := r.Create(ctx, &models.User{UserName: "alice", Salt: []byte("s"), Verifier: []byte("v")})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	_, err = r.Create(ctx, &models.User{UserName: "alice"})
	assert.ErrorIs(t, err, users.ErrUserExists)

	got, err := r.GetByUserName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	ok, err := r.Exists(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemory_ListVisibleFollowsMembership(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	r := m.Repos()

	put := func(id, user, vault string) {
		v, err := r.Items().NextVersion(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Items().Put(ctx, &models.Item{UUID: id, UserID: user, VaultID: vault, Version: v}))
	}
	put("a", "u1", "")
	put("b", "u1", "shared")
	put("c", "u2", "")
	put("d", "u1", "private")

	require.NoError(t, r.Vaults().Create(ctx, &models.SharedVault{ID: "shared", OwnerID: "u1"}))
	require.NoError(t, r.Vaults().PutMember(ctx, models.VaultMember{VaultID: "shared", UserID: "u1", Permission: "admin"}))

	ids := func(user string) []string {
		got, err := r.Items().ListVisible(ctx, user, 0, "", 10)
		require.NoError(t, err)
		var out []string
		for _, it := range got {
			out = append(out, it.UUID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids("u1"))
	assert.Equal(t, []string{"c"}, ids("u2"))

	require.NoError(t, r.Vaults().PutMember(ctx, models.VaultMember{VaultID: "shared", UserID: "u2", Permission: "read"}))
	assert.Equal(t, []string{"b", "c"}, ids("u2"))

	page, err := r.Items().ListVisible(ctx, "u1", 1, "a", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].UUID)
}

func TestInMemory_PutKeepsOwner(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRepositoryManager().Repos().Items()

	require.NoError(t, r.Put(ctx, &models.Item{UUID: "i1", UserID: "u1"}))
	require.NoError(t, r.Put(ctx, &models.Item{UUID: "i1", UserID: "u2", Deleted: true}))

	got, err := r.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.Deleted)
}

func TestInMemory_MessagesAndTokens(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRepositoryManager().Repos()
	now := time.Now()

	require.NoError(t, r.Messages().Create(ctx, &models.Message{ID: "m1", RecipientID: "u2", CreatedAt: now}))
	require.NoError(t, r.Messages().Create(ctx, &models.Message{ID: "m1", RecipientID: "u2", Data: []byte("dup"), CreatedAt: now}))
	require.NoError(t, r.Messages().Delete(ctx, "u3", "m1"))
	ms, err := r.Messages().ListForRecipient(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Empty(t, ms[0].Data)

	require.NoError(t, r.RefreshTokens().Create(ctx, "u1", "old", now.Add(-time.Minute)))
	require.NoError(t, r.RefreshTokens().Create(ctx, "u1", "new", now.Add(time.Hour)))
	n, err := r.RefreshTokens().DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = r.RefreshTokens().Find(ctx, "old")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
