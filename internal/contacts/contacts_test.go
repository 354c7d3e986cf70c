package contacts

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/dirty"
	"github.com/dmitrijs2005/gophnotes/internal/history"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBook(t *testing.T) (*Book, *collection.Collection) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	ks := keys.New(keys.Options{Store: store})
	require.NoError(t, ks.SetRootKey(cryptox.New().GenerateKey()))
	t.Cleanup(ks.Close)

	col := collection.New()
	col.Observe(ks.TrackItemsKeys)
	m := items.New(items.Options{
		Collection: col,
		Dirty:      dirty.New(),
		History:    history.New(history.Policy{}),
		Keys:       ks,
		Store:      store,
	})
	_, err := m.CreateItemsKey(ctx)
	require.NoError(t, err)
	return New(m, col, nil), col
}

func publicKeys(t *testing.T) cryptox.PublicKeys {
	t.Helper()
	kp, err := cryptox.New().GenerateKeyPairs()
	require.NoError(t, err)
	return kp.Public()
}

func TestTrust_CreatesThenReplacesKeys(t *testing.T) {
	ctx := context.Background()
	b, col := newBook(t)
	first := publicKeys(t)

	c, err := b.Trust(ctx, "bob", "Bob", first)
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)

	got, ok := b.Find("bob")
	require.True(t, ok)
	assert.Equal(t, first, got.PublicKeys)

	_, err = b.Trust(ctx, "bob", "Bob", first)
	require.NoError(t, err)
	assert.Len(t, col.ByContentType(models.ContentTypeTrustedContact), 1)

	second := publicKeys(t)
	_, err = b.Trust(ctx, "bob", "", second)
	require.NoError(t, err)
	got, _ = b.Find("bob")
	assert.Equal(t, second, got.PublicKeys)
	assert.Equal(t, "Bob", got.Name, "empty name keeps the old one")
	assert.Len(t, col.ByContentType(models.ContentTypeTrustedContact), 1)
}

func TestTrust_RejectsMalformedKeys(t *testing.T) {
	b, _ := newBook(t)
	_, err := b.Trust(context.Background(), "bob", "Bob", cryptox.PublicKeys{Enc: []byte("short"), Sign: []byte("short")})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = b.Trust(context.Background(), "", "Nobody", publicKeys(t))
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestApplyKeyUpdate_OnlyNewerSequencesApply(t *testing.T) {
	ctx := context.Background()
	b, _ := newBook(t)
	_, err := b.Trust(ctx, "bob", "Bob", publicKeys(t))
	require.NoError(t, err)

	next := publicKeys(t)
	changed, err := b.ApplyKeyUpdate(ctx, "bob", next, 10)
	require.NoError(t, err)
	assert.True(t, changed)

	stale := publicKeys(t)
	changed, err = b.ApplyKeyUpdate(ctx, "bob", stale, 10)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := b.Find("bob")
	assert.Equal(t, next, got.PublicKeys)
	assert.EqualValues(t, 10, got.KeySeq)

	_, err = b.ApplyKeyUpdate(ctx, "carol", next, 1)
	assert.ErrorIs(t, err, common.ErrUnknownSender)
}

func TestAll_SortedByNameWithSelf(t *testing.T) {
	ctx := context.Background()
	b, _ := newBook(t)
	_, err := b.Trust(ctx, "u2", "zed", publicKeys(t))
	require.NoError(t, err)
	_, err = b.Trust(ctx, "u3", "amy", publicKeys(t))
	require.NoError(t, err)
	_, err = b.TrustSelf(ctx, "u1", publicKeys(t))
	require.NoError(t, err)

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"amy", "me", "zed"}, []string{all[0].Name, all[1].Name, all[2].Name})
	assert.True(t, all[1].IsMe)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	b, _ := newBook(t)
	_, err := b.Trust(ctx, "bob", "Bob", publicKeys(t))
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, "bob"))
	_, ok := b.Find("bob")
	assert.False(t, ok)
	assert.ErrorIs(t, b.Remove(ctx, "bob"), common.ErrorNotFound)
}
