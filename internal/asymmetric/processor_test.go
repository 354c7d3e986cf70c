package asymmetric

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/contacts"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/dirty"
	"github.com/dmitrijs2005/gophnotes/internal/history"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/transport/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	id       string
	proc     *Processor
	contacts *contacts.Book
	keys     *keys.System
	tr       *local.Transport
}

func newPeer(t *testing.T, srv *local.Server, name string) *peer {
	t.Helper()
	ctx := context.Background()
	id, err := srv.Register(ctx, name)
	require.NoError(t, err)

	store := storage.NewMemory()
	c := cryptox.New()
	ks := keys.New(keys.Options{Store: store, Crypto: c})
	require.NoError(t, ks.SetRootKey(c.GenerateKey()))
	t.Cleanup(ks.Close)
	kp, err := c.GenerateKeyPairs()
	require.NoError(t, err)
	require.NoError(t, ks.SetKeyPairs(ctx, kp))

	col := collection.New()
	col.Observe(ks.TrackItemsKeys)
	m := items.New(items.Options{
		Collection: col,
		Dirty:      dirty.New(),
		History:    history.New(history.Policy{}),
		Keys:       ks,
		Store:      store,
	})
	_, err = m.CreateItemsKey(ctx)
	require.NoError(t, err)
	book := contacts.New(m, col, nil)
	_, err = book.TrustSelf(ctx, id, kp.Public())
	require.NoError(t, err)

	tr := srv.Connect(id)
	require.NoError(t, tr.PublishPublicKeys(ctx, kp.Public()))
	return &peer{
		id:       id,
		proc:     New(Options{UserUUID: id, Keys: ks, Contacts: book, Transport: tr, Crypto: c, Store: store}),
		contacts: book,
		keys:     ks,
		tr:       tr,
	}
}

func (p *peer) public(t *testing.T) cryptox.PublicKeys {
	t.Helper()
	kp, err := p.keys.KeyPairs()
	require.NoError(t, err)
	return kp.Public()
}

// befriend makes a and b trust each other.
func befriend(t *testing.T, a, b *peer) {
	t.Helper()
	_, err := a.contacts.Trust(context.Background(), b.id, "b", b.public(t))
	require.NoError(t, err)
	_, err = b.contacts.Trust(context.Background(), a.id, "a", a.public(t))
	require.NoError(t, err)
}

func TestSendProcess_DeliversVerifiedMessage(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)

	var got []InviteResponseData
	bob.proc.Handle(models.MessageInviteResponse, func(_ context.Context, in Inbound) error {
		assert.Equal(t, alice.id, in.Sender())
		var d InviteResponseData
		require.NoError(t, in.Decode(&d))
		got = append(got, d)
		return nil
	})

	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "i1", Accepted: true}))
	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, []InviteResponseData{{InviteUUID: "i1", Accepted: true}}, got)

	left, err := bob.tr.FetchMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, left, "processed messages are acknowledged")
}

func TestProcess_ReplayedMessageOnlyAcknowledged(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)

	calls := 0
	bob.proc.Handle(models.MessageInviteResponse, func(context.Context, Inbound) error {
		calls++
		return nil
	})
	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "i1"}))
	captured, err := bob.tr.FetchMessages(ctx)
	require.NoError(t, err)

	_, err = bob.proc.Process(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.tr.SendMessages(ctx, captured))
	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rep.Duplicates)
	left, _ := bob.tr.FetchMessages(ctx)
	assert.Empty(t, left)
}

func TestProcess_UnknownSenderIsDeferredUntilTrusted(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	_, err := alice.contacts.Trust(ctx, bob.id, "bob", bob.public(t))
	require.NoError(t, err)

	handled := 0
	bob.proc.Handle(models.MessageInviteResponse, func(context.Context, Inbound) error {
		handled++
		return nil
	})
	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "i1"}))

	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deferred)
	assert.Zero(t, handled)
	left, _ := bob.tr.FetchMessages(ctx)
	assert.Len(t, left, 1, "deferred messages stay on the relay")

	_, err = bob.contacts.Trust(ctx, alice.id, "alice", alice.public(t))
	require.NoError(t, err)
	rep, err = bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, handled)
}

func TestProcess_ForgedSenderRejected(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob, mallory := newPeer(t, srv, "alice"), newPeer(t, srv, "bob"), newPeer(t, srv, "mallory")
	befriend(t, alice, bob)
	_, err := mallory.contacts.Trust(ctx, bob.id, "bob", bob.public(t))
	require.NoError(t, err)

	bob.proc.Handle(models.MessageInviteResponse, func(context.Context, Inbound) error {
		t.Fatal("forged message reached the handler")
		return nil
	})

	// Mallory seals with her own keys but claims to be alice.
	kp, err := mallory.keys.KeyPairs()
	require.NoError(t, err)
	msg, err := mallory.proc.seal(kp, bob.id, bob.public(t).Enc, models.MessageInviteResponse, 1, InviteResponseData{InviteUUID: "i1"})
	require.NoError(t, err)
	msg.SenderUUID = alice.id

	_, err = bob.proc.Open(msg)
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	require.NoError(t, srv.Services.Messages.Send(ctx, alice.id, []models.AsymmetricMessage{msg}))
	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Rejected, 1)
	assert.ErrorIs(t, rep.Rejected[0].Err, common.ErrSignatureInvalid)
	left, _ := bob.tr.FetchMessages(ctx)
	assert.Empty(t, left, "rejected messages are dropped")
}

func TestOpen_MessageForSomeoneElse(t *testing.T) {
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	_, err := bob.proc.Open(models.AsymmetricMessage{UUID: "m1", SenderUUID: alice.id, RecipientUUID: "carol"})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestProcess_RetryableFailureHoldsBackLaterMessages(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)

	busy := true
	var order []string
	bob.proc.Handle(models.MessageInviteResponse, func(_ context.Context, in Inbound) error {
		var d InviteResponseData
		require.NoError(t, in.Decode(&d))
		if busy {
			return errors.New("busy")
		}
		order = append(order, d.InviteUUID)
		return nil
	})

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: id}))
	}

	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Deferred)
	assert.Empty(t, order)

	busy = false
	rep, err = bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestProcess_UnhandledTypeIsRejected(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)

	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageKeyRotationAck, KeyRotationAckData{VaultID: "v", Epoch: 2}))
	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Rejected, 1)
	assert.ErrorIs(t, rep.Rejected[0].Err, common.ErrValidation)
}

func TestProcess_WithoutKeyPairsLeavesMessages(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)
	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "i1"}))

	store := storage.NewMemory()
	ks := keys.New(keys.Options{Store: store})
	require.NoError(t, ks.SetRootKey(cryptox.New().GenerateKey()))
	t.Cleanup(ks.Close)
	device := New(Options{UserUUID: bob.id, Keys: ks, Contacts: bob.contacts, Transport: srv.Connect(bob.id), Store: store})

	_, err := device.Process(ctx)
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
	left, _ := bob.tr.FetchMessages(ctx)
	assert.Len(t, left, 1)
}

func TestRotateKeyPairs_NotifiesContactsWithOldSignature(t *testing.T) {
	ctx := context.Background()
	srv := local.NewServer(nil)
	alice, bob := newPeer(t, srv, "alice"), newPeer(t, srv, "bob")
	befriend(t, alice, bob)

	pub, err := alice.proc.RotateKeyPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, alice.public(t))

	rep, err := bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	c, _ := bob.contacts.Find(alice.id)
	assert.Equal(t, pub, c.PublicKeys)

	// New keys work straight away in both directions.
	bob.proc.Handle(models.MessageInviteResponse, func(context.Context, Inbound) error { return nil })
	alice.proc.Handle(models.MessageInviteResponse, func(context.Context, Inbound) error { return nil })
	require.NoError(t, alice.proc.Send(ctx, bob.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "x"}))
	require.NoError(t, bob.proc.Send(ctx, alice.id, models.MessageInviteResponse, InviteResponseData{InviteUUID: "y"}))
	rep, err = bob.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	rep, err = alice.proc.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
}
