package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newSystem(t *testing.T, store storage.Store) (*System, []byte) {
	t.Helper()
	c := cryptox.New()
	root := c.GenerateKey()
	s := New(Options{Store: store, Crypto: c, Now: func() time.Time { return t0 }})
	require.NoError(t, s.SetRootKey(root))
	t.Cleanup(s.Close)
	return s, root
}

func TestSetRootKey_RejectsBadLength(t *testing.T) {
	s := New(Options{Store: storage.NewMemory()})
	assert.ErrorIs(t, s.SetRootKey([]byte("short")), cryptox.ErrInvalidKey)
	assert.False(t, s.HasRootKey())
}

func TestEncryptDecrypt_ItemsKeyAndNote(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())

	ik := s.CreateItemsKey(t0)
	encKey, err := s.EncryptPayload(ik)
	require.NoError(t, err)
	assert.Equal(t, common.RootKeyRef, encKey.EncItemKeyRef)
	assert.True(t, encKey.IsEncrypted())

	note := models.NewPayload(models.NoteContent{Title: "t", Text: "secret"}, t0)
	enc, err := s.EncryptPayload(note)
	require.NoError(t, err)
	assert.Equal(t, ik.UUID, enc.EncItemKeyRef)
	assert.NotContains(t, string(enc.EncContent), "secret")

	dec, err := s.DecryptPayload(enc)
	require.NoError(t, err)
	n, ok := dec.Content.(models.NoteContent)
	require.True(t, ok)
	assert.Equal(t, "secret", n.Text)

	back, err := s.DecryptPayload(encKey)
	require.NoError(t, err)
	assert.Equal(t, ik.Content, back.Content)
}

func TestEncryptPayload_TombstonePassesThrough(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	p := models.NewPayload(models.NoteContent{Title: "x"}, t0).Tombstone(t0)
	out, err := s.EncryptPayload(p)
	require.NoError(t, err)
	assert.Equal(t, p, out)
}

func TestEncryptPayload_NoItemsKey(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.EncryptPayload(models.NewPayload(models.NoteContent{Title: "x"}, t0))
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestDecryptPayload_UnknownKeyIsDecryptionFailure(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	s.CreateItemsKey(t0)
	enc, err := s.EncryptPayload(models.NewPayload(models.NoteContent{Title: "x"}, t0))
	require.NoError(t, err)

	other, _ := newSystem(t, storage.NewMemory())
	_, err = other.DecryptPayload(enc)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestDecryptPayload_TamperedAADFails(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	s.CreateItemsKey(t0)
	enc, err := s.EncryptPayload(models.NewPayload(models.NoteContent{Title: "x"}, t0))
	require.NoError(t, err)

	enc.UUID = "another"
	_, err = s.DecryptPayload(enc)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestTrackItemsKeys_LearnsFromCollection(t *testing.T) {
	owner, _ := newSystem(t, storage.NewMemory())
	ik := owner.CreateItemsKey(t0)

	other, _ := newSystem(t, storage.NewMemory())
	col := collection.New()
	col.Observe(other.TrackItemsKeys)
	col.Upsert(ik)

	id, ok := other.DefaultItemsKey()
	require.True(t, ok)
	assert.Equal(t, ik.UUID, id)
}

func TestDefaultItemsKey_PrefersNewestDefault(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	first := s.CreateItemsKey(t0)
	second := s.CreateItemsKey(t0.Add(time.Hour))

	id, _ := s.DefaultItemsKey()
	assert.Equal(t, second.UUID, id)
	assert.Equal(t, 2, s.ItemsKeyCount())
	assert.True(t, s.HasKey(first.UUID))
}

func TestVaultKey_EncryptsVaultItems(t *testing.T) {
	s, _ := newSystem(t, storage.NewMemory())
	ctx := context.Background()

	vk, err := s.CreateVaultKey(ctx, "vault-1", models.StoragePersisted)
	require.NoError(t, err)
	assert.Equal(t, 1, vk.Epoch)

	p := models.NewPayload(models.NoteContent{Title: "v"}, t0)
	p.KeySystemIdentifier = "vault-1"
	enc, err := s.EncryptPayload(p)
	require.NoError(t, err)
	assert.Equal(t, vk.UUID, enc.EncItemKeyRef)
	assert.Equal(t, 1, enc.KeyEpoch)

	_, err = s.DecryptPayload(enc)
	require.NoError(t, err)
}

func TestLoad_RestoresPersistedButNotEphemeralKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s, root := newSystem(t, store)

	persisted, err := s.CreateVaultKey(ctx, "durable", models.StoragePersisted)
	require.NoError(t, err)
	ephemeral, err := s.CreateVaultKey(ctx, "volatile", models.StorageEphemeral)
	require.NoError(t, err)

	kp, err := cryptox.New().GenerateKeyPairs()
	require.NoError(t, err)
	require.NoError(t, s.SetKeyPairs(ctx, kp))

	reopened := New(Options{Store: store})
	require.NoError(t, reopened.SetRootKey(root))
	require.NoError(t, reopened.Load(ctx))
	t.Cleanup(reopened.Close)

	assert.True(t, reopened.HasKey(persisted.UUID))
	assert.False(t, reopened.HasKey(ephemeral.UUID))

	got, err := reopened.KeyPairs()
	require.NoError(t, err)
	assert.Equal(t, kp.SignPublic, got.SignPublic)
}

func TestLoad_WrongRootKeyFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s, _ := newSystem(t, store)
	_, err := s.CreateVaultKey(ctx, "durable", models.StoragePersisted)
	require.NoError(t, err)

	reopened := New(Options{Store: store})
	require.NoError(t, reopened.SetRootKey(cryptox.New().GenerateKey()))
	assert.ErrorIs(t, reopened.Load(ctx), common.ErrDecryptionFailed)
}

func TestInstallVaultKey_IdempotentAndOrdersByEpoch(t *testing.T) {
	ctx := context.Background()
	owner, _ := newSystem(t, storage.NewMemory())
	member, _ := newSystem(t, storage.NewMemory())

	k1, err := owner.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)
	_, m1, err := owner.ExportVaultKey("v")
	require.NoError(t, err)

	installed, err := member.InstallVaultKey(ctx, k1, m1)
	require.NoError(t, err)
	assert.True(t, installed)

	installed, err = member.InstallVaultKey(ctx, k1, m1)
	require.NoError(t, err)
	assert.False(t, installed)

	older := VaultKey{UUID: "old", SystemIdentifier: "v", Epoch: 0}
	_, err = member.InstallVaultKey(ctx, older, cryptox.New().GenerateKey())
	require.NoError(t, err)

	active, ok := member.ActiveVaultKey("v")
	require.True(t, ok)
	assert.Equal(t, k1.UUID, active.UUID)
	chain := member.VaultKeys("v")
	require.Len(t, chain, 2)
	assert.Equal(t, StateSuperseded, chain[0].State)
}

func TestEnsureShareable_PersistsEphemeralKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s, _ := newSystem(t, store)

	k, err := s.CreateVaultKey(ctx, "v", models.StorageEphemeral)
	require.NoError(t, err)
	wrapped, err := store.LoadWrappedKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, wrapped)

	out, err := s.EnsureShareable(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, models.StoragePersisted, out.Storage)

	wrapped, err = store.LoadWrappedKeys(ctx)
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, k.UUID, wrapped[0].UUID)
	assert.Equal(t, string(StateActive), wrapped[0].State)
}

type fakeReencrypter struct {
	mu    sync.Mutex
	calls int
	err   error
	hook  func(ctx context.Context)
}

func (f *fakeReencrypter) ReencryptVault(ctx context.Context, vaultID string, key VaultKey) (int, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return 1, err
}

type fakeAnnouncer struct {
	sent map[string][]byte
	err  error
}

func (f *fakeAnnouncer) AnnounceKey(_ context.Context, _ string, key VaultKey, material []byte, members []string) error {
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = make(map[string][]byte)
	}
	for _, m := range members {
		f.sent[m] = append([]byte(nil), material...)
	}
	return nil
}

func TestRotate_NoMembersRetiresOldKeyImmediately(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	k1, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	res, err := s.Rotate(ctx, "v", Plan{Reencrypter: &fakeReencrypter{}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Key.Epoch)
	assert.Empty(t, res.Awaiting)

	chain := s.VaultKeys("v")
	require.Len(t, chain, 2)
	assert.Equal(t, k1.UUID, chain[0].UUID)
	assert.Equal(t, StatePurgeEligible, chain[0].State)
	assert.Equal(t, StateActive, chain[1].State)
	assert.True(t, s.HasKey(k1.UUID))
}

func TestRotate_AwaitsAcksThenRetires(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	ann := &fakeAnnouncer{}
	res, err := s.Rotate(ctx, "v", Plan{Members: []string{"bob", "carol"}, Announcer: ann})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, res.Awaiting)
	assert.Len(t, ann.sent, 2)

	done, err := s.RecordMemberEpoch(ctx, "v", "bob", 1)
	require.NoError(t, err)
	assert.False(t, done, "stale epoch does not count")

	done, err = s.RecordMemberEpoch(ctx, "v", "bob", 2)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, []string{"carol"}, s.Laggards("v"))
	assert.Equal(t, StateSuperseded, s.VaultKeys("v")[0].State)

	done, err = s.RecordMemberEpoch(ctx, "v", "carol", 2)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StatePurgeEligible, s.VaultKeys("v")[0].State)
}

func TestProceedWithoutLaggards(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)
	_, err = s.Rotate(ctx, "v", Plan{Members: []string{"bob"}, Announcer: &fakeAnnouncer{}})
	require.NoError(t, err)

	laggards, err := s.ProceedWithoutLaggards(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, laggards)
	assert.Empty(t, s.Laggards("v"))
	assert.Equal(t, StatePurgeEligible, s.VaultKeys("v")[0].State)
}

func TestRotate_SecondRotationWhileRunningIsRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	var inner error
	re := &fakeReencrypter{hook: func(rctx context.Context) {
		_, inner = s.Rotate(ctx, "v", Plan{})
		assert.True(t, s.Rotating("v"))
		assert.NoError(t, s.WaitRotation(rctx, "v"), "the rotation itself passes its gate")
	}}
	_, err = s.Rotate(ctx, "v", Plan{Reencrypter: re})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, common.ErrRotationInProgress)
	assert.False(t, s.Rotating("v"))
}

func TestWaitRotation_BlocksUntilRotationEnds(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	re := &fakeReencrypter{hook: func(context.Context) {
		close(started)
		<-release
	}}
	rotated := make(chan error, 1)
	go func() {
		_, err := s.Rotate(ctx, "v", Plan{Reencrypter: re})
		rotated <- err
	}()
	<-started

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitRotation(short, "v"), context.DeadlineExceeded)
	assert.NoError(t, s.WaitRotation(ctx, "other-vault"))

	waited := make(chan error, 1)
	go func() { waited <- s.WaitRotation(ctx, "v") }()
	close(release)

	require.NoError(t, <-rotated)
	require.NoError(t, <-waited)
}

func TestRotate_ResumesWithSameKeyAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s, root := newSystem(t, store)
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	failing := &fakeReencrypter{err: errors.New("disk full")}
	first, err := s.Rotate(ctx, "v", Plan{Reencrypter: failing})
	require.Error(t, err)
	assert.Equal(t, []string{"v"}, s.PendingRotations())

	// A restarted session picks the rotation up again.
	reopened := New(Options{Store: store})
	require.NoError(t, reopened.SetRootKey(root))
	require.NoError(t, reopened.Load(ctx))
	t.Cleanup(reopened.Close)
	assert.Equal(t, []string{"v"}, reopened.PendingRotations())

	second, err := reopened.Rotate(ctx, "v", Plan{Reencrypter: &fakeReencrypter{}})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Key.UUID, second.Key.UUID)
	assert.Len(t, reopened.VaultKeys("v"), 2)
	assert.Empty(t, reopened.PendingRotations())
}

func TestRotate_AnnounceFailureIsResumable(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	_, err = s.Rotate(ctx, "v", Plan{Members: []string{"bob"}, Announcer: &fakeAnnouncer{err: common.ErrNetwork}})
	require.ErrorIs(t, err, common.ErrNetwork)
	assert.False(t, s.Rotating("v"))

	ann := &fakeAnnouncer{}
	res, err := s.Rotate(ctx, "v", Plan{Announcer: ann})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Contains(t, ann.sent, "bob", "members of the interrupted rotation are still told")
}

func TestPurgeEligible_KeepsReferencedKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s, _ := newSystem(t, store)
	k1, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)
	_, err = s.Rotate(ctx, "v", Plan{})
	require.NoError(t, err)

	purged, err := s.PurgeEligible(ctx, map[string]int{k1.UUID: 3})
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.True(t, s.HasKey(k1.UUID))

	purged, err = s.PurgeEligible(ctx, map[string]int{})
	require.NoError(t, err)
	assert.Equal(t, []string{k1.UUID}, purged)
	assert.False(t, s.HasKey(k1.UUID))

	wrapped, err := store.LoadWrappedKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, wrapped, 1)
}

func TestRetireVault(t *testing.T) {
	ctx := context.Background()
	s, _ := newSystem(t, storage.NewMemory())
	_, err := s.CreateVaultKey(ctx, "v", models.StoragePersisted)
	require.NoError(t, err)

	require.NoError(t, s.RetireVault(ctx, "v"))
	_, ok := s.ActiveVaultKey("v")
	assert.False(t, ok)
	purged, err := s.PurgeEligible(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, purged, 1)
}
