package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/users"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) Notify(ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, ids...)
}

func (n *recordingNotifier) take() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.users
	n.users = nil
	return out
}

type recordingArchive struct {
	mu   sync.Mutex
	revs []Revision
}

func (a *recordingArchive) Archive(_ context.Context, rev Revision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revs = append(a.revs, rev)
	return nil
}

type fixture struct {
	svc     *Services
	notes   *recordingNotifier
	archive *recordingArchive
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	n := &recordingNotifier{}
	a := &recordingArchive{}
	return &fixture{
		svc:     New(repomanager.NewInMemoryRepositoryManager(), cfg, a, n, nil),
		notes:   n,
		archive: a,
	}
}

func (f *fixture) register(t *testing.T, name string) string {
	t.Helper()
	u, err := f.svc.Users.Register(context.Background(), name, make([]byte, 16), []byte(name+"-verifier-0123456789"))
	require.NoError(t, err)
	return u.ID
}

func note(uuid string) domain.Payload {
	return domain.Payload{
		UUID:          uuid,
		ContentType:   domain.ContentTypeNote,
		EncContent:    []byte("ciphertext"),
		Nonce:         []byte("nonce"),
		EncItemKeyRef: "ik",
		Version:       common.ProtocolVersion,
	}
}

func TestUsers_RegisterLoginRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "alice")

	_, err := f.svc.Users.Register(ctx, "alice", make([]byte, 16), []byte("another-verifier-123"))
	assert.ErrorIs(t, err, users.ErrUserExists)

	_, err = f.svc.Users.Register(ctx, "", make([]byte, 16), []byte("verifier-0123456789"))
	assert.ErrorIs(t, err, common.ErrValidation)

	salt, err := f.svc.Users.GetSalt(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), salt)

	unknown, err := f.svc.Users.GetSalt(ctx, "nobody")
	require.NoError(t, err)
	assert.Len(t, unknown, saltSize)

	_, err = f.svc.Users.Login(ctx, "alice", []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	pair, err := f.svc.Users.Login(ctx, "alice", []byte("alice-verifier-0123456789"))
	require.NoError(t, err)
	assert.Equal(t, id, pair.UserID)

	got, err := f.svc.Users.Authenticate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	next, err := f.svc.Users.RefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = f.svc.Users.RefreshToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestSync_PushPullAndStaleBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.register(t, "alice")

	res, err := f.svc.Sync.Push(ctx, alice, []domain.Payload{note("n1"), note("n2")})
	require.NoError(t, err)
	require.Len(t, res.Saved, 2)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Saved[1].ServerUpdatedAt.After(res.Saved[0].ServerUpdatedAt))
	assert.Len(t, f.archive.revs, 2)
	assert.Equal(t, []string{alice}, f.notes.take())

	page, err := f.svc.Sync.Pull(ctx, alice, "", 1)
	require.NoError(t, err)
	require.Len(t, page.Payloads, 1)
	assert.True(t, page.More)
	assert.Equal(t, "n1", page.Payloads[0].UUID)
	assert.True(t, page.Payloads[0].ServerUpdatedAt.Equal(res.Saved[0].ServerUpdatedAt))

	rest, err := f.svc.Sync.Pull(ctx, alice, page.Cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest.Payloads, 1)
	assert.False(t, rest.More)
	assert.Equal(t, "n2", rest.Payloads[0].UUID)

	empty, err := f.svc.Sync.Pull(ctx, alice, rest.Cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Payloads)
	assert.Equal(t, rest.Cursor, empty.Cursor)

	// A second device edits n1 from the current base; the first device's
	// edit from the old base is refused with the server revision.
	edit := note("n1")
	edit.ServerUpdatedAt = res.Saved[0].ServerUpdatedAt
	second, err := f.svc.Sync.Push(ctx, alice, []domain.Payload{edit})
	require.NoError(t, err)
	require.Len(t, second.Saved, 1)

	stale, err := f.svc.Sync.Push(ctx, alice, []domain.Payload{edit})
	require.NoError(t, err)
	require.Len(t, stale.Conflicts, 1)
	assert.Equal(t, transport.ReasonStaleBase, stale.Conflicts[0].Reason)
	require.NotNil(t, stale.Conflicts[0].Server)
	assert.True(t, stale.Conflicts[0].Server.ServerUpdatedAt.Equal(second.Saved[0].ServerUpdatedAt))
}

func TestSync_OtherUsersItemsAreInvisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	_, err := f.svc.Sync.Push(ctx, alice, []domain.Payload{note("n1")})
	require.NoError(t, err)

	page, err := f.svc.Sync.Pull(ctx, bob, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Payloads)

	res, err := f.svc.Sync.Push(ctx, bob, []domain.Payload{note("n1")})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, transport.ReasonPermissionDenied, res.Conflicts[0].Reason)
	assert.Nil(t, res.Conflicts[0].Server)
}

func TestVaults_MembershipControlsVisibilityAndWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	inVault := note("v-note")
	inVault.KeySystemIdentifier = "vault-1"
	_, err := f.svc.Sync.Push(ctx, alice, []domain.Payload{inVault})
	require.NoError(t, err)
	_, err = f.svc.Sync.Push(ctx, bob, []domain.Payload{note("b-note")})
	require.NoError(t, err)

	bobPage, err := f.svc.Sync.Pull(ctx, bob, "", 10)
	require.NoError(t, err)
	require.Len(t, bobPage.Payloads, 1)
	assert.Equal(t, "b-note", bobPage.Payloads[0].UUID)

	require.NoError(t, f.svc.Vaults.CreateSharedVault(ctx, alice, "vault-1"))
	require.NoError(t, f.svc.Vaults.CreateSharedVault(ctx, alice, "vault-1"))
	assert.ErrorIs(t, f.svc.Vaults.CreateSharedVault(ctx, bob, "vault-1"), common.ErrPermissionDenied)

	assert.ErrorIs(t, f.svc.Vaults.AddMember(ctx, bob, "vault-1", bob, domain.PermissionAdmin), common.ErrPermissionDenied)
	require.NoError(t, f.svc.Vaults.AddMember(ctx, alice, "vault-1", bob, domain.PermissionRead))
	assert.Contains(t, f.notes.take(), bob)

	// Bob's cursor was already past the item; the restamp brings it back.
	page, err := f.svc.Sync.Pull(ctx, bob, bobPage.Cursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Payloads, 1)
	assert.Equal(t, "v-note", page.Payloads[0].UUID)

	edit := page.Payloads[0]
	res, err := f.svc.Sync.Push(ctx, bob, []domain.Payload{edit})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, transport.ReasonPermissionDenied, res.Conflicts[0].Reason)

	require.NoError(t, f.svc.Vaults.AddMember(ctx, alice, "vault-1", bob, domain.PermissionWrite))
	f.notes.take()
	res, err = f.svc.Sync.Push(ctx, bob, []domain.Payload{edit})
	require.NoError(t, err)
	require.Len(t, res.Saved, 1)
	assert.ElementsMatch(t, []string{alice, bob}, f.notes.take())

	assert.ErrorIs(t, f.svc.Vaults.RemoveMember(ctx, bob, "vault-1", alice), common.ErrPermissionDenied)
	require.NoError(t, f.svc.Vaults.RemoveMember(ctx, alice, "vault-1", bob))
	after, err := f.svc.Sync.Pull(ctx, bob, "", 10)
	require.NoError(t, err)
	require.Len(t, after.Payloads, 1)
	assert.Equal(t, "b-note", after.Payloads[0].UUID)
}

func TestMessages_SendFetchAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	msg := domain.AsymmetricMessage{UUID: "m1", SenderUUID: alice, RecipientUUID: bob, Ciphertext: []byte("x")}
	require.NoError(t, f.svc.Messages.Send(ctx, alice, []domain.AsymmetricMessage{msg}))
	assert.Equal(t, []string{bob}, f.notes.take())

	forged := msg
	forged.UUID = "m2"
	forged.SenderUUID = bob
	assert.ErrorIs(t, f.svc.Messages.Send(ctx, alice, []domain.AsymmetricMessage{forged}), common.ErrPermissionDenied)

	toNobody := msg
	toNobody.UUID = "m3"
	toNobody.RecipientUUID = "nobody"
	assert.ErrorIs(t, f.svc.Messages.Send(ctx, alice, []domain.AsymmetricMessage{toNobody}), common.ErrorNotFound)

	got, err := f.svc.Messages.Fetch(ctx, bob)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].UUID)
	assert.False(t, got[0].CreatedAt.IsZero())

	require.NoError(t, f.svc.Messages.Ack(ctx, alice, []string{"m1"}))
	got, err = f.svc.Messages.Fetch(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, f.svc.Messages.Ack(ctx, bob, []string{"m1"}))
	got, err = f.svc.Messages.Fetch(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMessages_PublicKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.register(t, "alice")

	_, err := f.svc.Messages.LookupKeys(ctx, alice)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	assert.ErrorIs(t, f.svc.Messages.PublishKeys(ctx, alice, cryptox.PublicKeys{Enc: []byte("e")}), common.ErrValidation)

	keys := cryptox.PublicKeys{Enc: []byte("enc"), Sign: []byte("sign")}
	require.NoError(t, f.svc.Messages.PublishKeys(ctx, alice, keys))
	got, err := f.svc.Messages.LookupKeys(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func TestCursor(t *testing.T) {
	v, u, err := ParseCursor(FormatCursor(42, "abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, "abc", u)

	_, _, err = ParseCursor("garbage")
	assert.ErrorIs(t, err, common.ErrValidation)
	_, _, err = ParseCursor("x:abc")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.Sync.now = func() time.Time { return fixed }

	a := f.svc.Sync.stamp()
	b := f.svc.Sync.stamp()
	assert.Equal(t, fixed, a)
	assert.Equal(t, fixed.Add(time.Microsecond), b)
}
