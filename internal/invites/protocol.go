// Package invites runs the shared vault invitation protocol.
//
// The owner creates an invite for a trusted contact, sends it (sealing the
// vault key to the invitee), and may revoke it until the invitee answers.
// The invitee receives it, verifies it against the inviter keys it
// carries and accepts or declines. Every way a sent invite ends other than
// acceptance rotates the vault key. Both sides keep every invite, terminal
// ones included.
//
//	Created -> Sent -> Accepted | Declined | Expired | Revoked
//	Created -> Revoked | Expired
package invites

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/asymmetric"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/contacts"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/vaults"
	"github.com/google/uuid"
)

const (
	metaInvite = "invite:"
	DefaultTTL = 7 * 24 * time.Hour
)

type Options struct {
	UserUUID string
	UserName string
	Vaults   *vaults.Manager
	Keys     *keys.System
	Contacts *contacts.Book
	Messages *asymmetric.Processor
	Store    storage.Store
	TTL      time.Duration
	Logger   logging.Logger
	Now      func() time.Time
}

type Protocol struct {
	self     string
	name     string
	vaults   *vaults.Manager
	keys     *keys.System
	contacts *contacts.Book
	messages *asymmetric.Processor
	store    storage.Store
	ttl      time.Duration
	log      logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	invites map[string]models.SharedVaultInvite
}

// New returns a Protocol and registers its message handlers.
func New(opts Options) *Protocol {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p := &Protocol{
		self:     opts.UserUUID,
		name:     opts.UserName,
		vaults:   opts.Vaults,
		keys:     opts.Keys,
		contacts: opts.Contacts,
		messages: opts.Messages,
		store:    opts.Store,
		ttl:      ttl,
		log:      logging.OrNop(opts.Logger).With("module", "invites"),
		now:      now,
		invites:  make(map[string]models.SharedVaultInvite),
	}
	p.messages.Handle(models.MessageSharedVaultInvite, p.Receive)
	p.messages.Handle(models.MessageInviteResponse, p.HandleResponse)
	return p
}

// Load restores persisted invites.
func (p *Protocol) Load(ctx context.Context) error {
	raw, err := p.store.ListMeta(ctx, metaInvite)
	if err != nil {
		return fmt.Errorf("load invites: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range raw {
		var inv models.SharedVaultInvite
		if err := json.Unmarshal(v, &inv); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		p.invites[inv.UUID] = inv
	}
	return nil
}

// Invites returns every invite, oldest first.
func (p *Protocol) Invites() []models.SharedVaultInvite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.SharedVaultInvite, 0, len(p.invites))
	for _, inv := range p.invites {
		out = append(out, inv)
	}
	slices.SortFunc(out, func(a, b models.SharedVaultInvite) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.UUID < b.UUID {
			return -1
		}
		return 1
	})
	return out
}

func (p *Protocol) Invite(id string) (models.SharedVaultInvite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invites[id]
	return inv, ok
}

// save persists inv and makes it current. Callers hold p.mu.
func (p *Protocol) save(ctx context.Context, inv models.SharedVaultInvite) error {
	inv.UpdatedAt = p.now()
	blob, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invite: %w", err)
	}
	var b storage.Batch
	b.SetMeta(metaInvite+inv.UUID, blob)
	if err := p.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("persist invite %s: %w", inv.UUID, err)
	}
	p.invites[inv.UUID] = inv
	return nil
}

func (p *Protocol) get(id string, role models.InviteRole) (models.SharedVaultInvite, error) {
	inv, ok := p.invites[id]
	if !ok || inv.Role != role {
		return models.SharedVaultInvite{}, fmt.Errorf("invite %s: %w", id, common.ErrorNotFound)
	}
	return inv, nil
}

func transition(inv models.SharedVaultInvite, to models.InviteStatus) error {
	return fmt.Errorf("invite %s %s -> %s: %w", inv.UUID, inv.Status, to, common.ErrInvalidTransition)
}

// Create drafts an invite to a trusted contact for a shared vault the
// caller owns.
func (p *Protocol) Create(ctx context.Context, vaultID, invitee string, perm models.Permission) (models.SharedVaultInvite, error) {
	if !perm.Valid() {
		return models.SharedVaultInvite{}, fmt.Errorf("%w: permission %q", common.ErrValidation, perm)
	}
	if invitee == p.self {
		return models.SharedVaultInvite{}, fmt.Errorf("%w: cannot invite yourself", common.ErrValidation)
	}
	v, ok := p.vaults.Vault(vaultID)
	if !ok {
		return models.SharedVaultInvite{}, fmt.Errorf("vault %s: %w", vaultID, common.ErrorNotFound)
	}
	if !v.Shared {
		return models.SharedVaultInvite{}, fmt.Errorf("vault %s: %w", vaultID, common.ErrVaultNotShared)
	}
	if v.OwnerUUID != p.self {
		return models.SharedVaultInvite{}, fmt.Errorf("invite to %s: %w", vaultID, common.ErrPermissionDenied)
	}
	if _, ok := p.contacts.Find(invitee); !ok {
		return models.SharedVaultInvite{}, fmt.Errorf("contact %s: %w", invitee, common.ErrorNotFound)
	}

	now := p.now()
	inv := models.SharedVaultInvite{
		UUID:                  uuid.NewString(),
		Role:                  models.InviteOutbound,
		InviterUUID:           p.self,
		InviteeUUID:           invitee,
		VaultSystemIdentifier: vaultID,
		Permission:            perm,
		Status:                models.InviteCreated,
		CreatedAt:             now,
		ExpiresAt:             now.Add(p.ttl),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.save(ctx, inv); err != nil {
		return models.SharedVaultInvite{}, err
	}
	p.log.Info(ctx, "invite created", "invite", inv.UUID, "vault", vaultID, "invitee", invitee)
	return p.invites[inv.UUID], nil
}

// Send delivers a Created invite with the vault's current key sealed to
// the invitee.
func (p *Protocol) Send(ctx context.Context, id string) (models.SharedVaultInvite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv, err := p.get(id, models.InviteOutbound)
	if err != nil {
		return inv, err
	}
	if inv.Status != models.InviteCreated {
		return inv, transition(inv, models.InviteSent)
	}
	if !p.now().Before(inv.ExpiresAt) {
		inv.Status = models.InviteExpired
		if err := p.save(ctx, inv); err != nil {
			return inv, err
		}
		return inv, transition(inv, models.InviteSent)
	}
	v, ok := p.vaults.Vault(inv.VaultSystemIdentifier)
	if !ok {
		return inv, fmt.Errorf("vault %s: %w", inv.VaultSystemIdentifier, common.ErrorNotFound)
	}
	kp, err := p.keys.KeyPairs()
	if err != nil {
		return inv, err
	}
	key, material, err := p.keys.ExportVaultKey(inv.VaultSystemIdentifier)
	if err != nil {
		return inv, err
	}
	defer common.WipeByteArray(material)

	listing := v.VaultListingContent
	listing.KeyEpoch = key.Epoch
	listing = listing.WithMember(models.VaultMember{UserUUID: inv.InviteeUUID, Permission: inv.Permission, KeyEpoch: key.Epoch})
	err = p.messages.Send(ctx, inv.InviteeUUID, models.MessageSharedVaultInvite, asymmetric.SharedVaultInviteData{
		InviteUUID:  inv.UUID,
		InviterName: p.name,
		InviterKeys: kp.Public(),
		Vault:       listing,
		Permission:  inv.Permission,
		Key:         key,
		Material:    material,
		ExpiresAt:   inv.ExpiresAt,
	})
	if err != nil {
		return inv, err
	}

	inv.Status = models.InviteSent
	inv.KeyEpoch = key.Epoch
	if err := p.save(ctx, inv); err != nil {
		return inv, err
	}
	p.log.Info(ctx, "invite sent", "invite", inv.UUID, "epoch", key.Epoch)
	return inv, nil
}

// Revoke withdraws an unanswered invite. Once sent, the invitee holds the
// vault key, so the vault is rotated.
func (p *Protocol) Revoke(ctx context.Context, id string) (models.SharedVaultInvite, error) {
	p.mu.Lock()
	inv, err := p.get(id, models.InviteOutbound)
	if err != nil {
		p.mu.Unlock()
		return inv, err
	}
	if inv.Status.Terminal() {
		p.mu.Unlock()
		return inv, transition(inv, models.InviteRevoked)
	}
	wasSent := inv.Status == models.InviteSent
	inv.Status = models.InviteRevoked
	err = p.save(ctx, inv)
	p.mu.Unlock()
	if err != nil {
		return inv, err
	}
	p.log.Info(ctx, "invite revoked", "invite", inv.UUID, "was_sent", wasSent)

	if wasSent {
		if _, err := p.vaults.RotateVaultKey(ctx, inv.VaultSystemIdentifier); err != nil {
			return inv, fmt.Errorf("rotate after revoke: %w", err)
		}
	}
	return inv, nil
}

// ExpireStale moves every open invite past its deadline to Expired. Vaults
// whose key went out with an expired invite are rotated.
func (p *Protocol) ExpireStale(ctx context.Context, now time.Time) ([]models.SharedVaultInvite, error) {
	p.mu.Lock()
	var expired []models.SharedVaultInvite
	rotate := map[string]bool{}
	for _, inv := range p.invites {
		if inv.Status.Terminal() || now.Before(inv.ExpiresAt) {
			continue
		}
		if inv.Role == models.InviteOutbound && inv.Status == models.InviteSent {
			rotate[inv.VaultSystemIdentifier] = true
		}
		inv.Status = models.InviteExpired
		if err := p.save(ctx, inv); err != nil {
			p.mu.Unlock()
			return expired, err
		}
		expired = append(expired, inv)
	}
	p.mu.Unlock()

	for vaultID := range rotate {
		if _, err := p.vaults.RotateVaultKey(ctx, vaultID); err != nil {
			return expired, fmt.Errorf("rotate after expiry: %w", err)
		}
	}
	if len(expired) > 0 {
		p.log.Info(ctx, "invites expired", "count", len(expired))
	}
	return expired, nil
}

// HandleResponse applies the invitee's answer to a sent invite. A decline
// rotates the vault, since the invitee already received its key.
func (p *Protocol) HandleResponse(ctx context.Context, in asymmetric.Inbound) error {
	var d asymmetric.InviteResponseData
	if err := in.Decode(&d); err != nil {
		return err
	}

	inv, changed, err := p.answer(ctx, in.Sender(), d)
	if err != nil || !changed {
		return err
	}
	p.log.Info(ctx, "invite answered", "invite", inv.UUID, "status", inv.Status)

	if inv.Status == models.InviteDeclined {
		if _, err := p.vaults.RotateVaultKey(ctx, inv.VaultSystemIdentifier); err != nil {
			return fmt.Errorf("rotate after decline: %w", err)
		}
	}
	return nil
}

func (p *Protocol) answer(ctx context.Context, sender string, d asymmetric.InviteResponseData) (models.SharedVaultInvite, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv, err := p.get(d.InviteUUID, models.InviteOutbound)
	if err != nil {
		return inv, false, err
	}
	if inv.InviteeUUID != sender {
		return inv, false, fmt.Errorf("response to %s from %s: %w", inv.UUID, sender, common.ErrPermissionDenied)
	}
	want := models.InviteDeclined
	if d.Accepted {
		want = models.InviteAccepted
	}
	if inv.Status == want {
		return inv, false, nil
	}
	if inv.Status != models.InviteSent {
		return inv, false, transition(inv, want)
	}
	if d.Accepted && !p.now().Before(inv.ExpiresAt) {
		return inv, false, transition(inv, want)
	}

	if d.Accepted {
		if _, err := p.vaults.AddMember(ctx, inv.VaultSystemIdentifier, inv.InviteeUUID, inv.Permission, inv.KeyEpoch); err != nil {
			return inv, false, err
		}
	}
	inv.Status = want
	if err := p.save(ctx, inv); err != nil {
		return inv, false, err
	}
	return inv, true, nil
}

// Receive records an invite addressed to this party. The sealed message
// is kept until the invite is answered.
func (p *Protocol) Receive(ctx context.Context, in asymmetric.Inbound) error {
	var d asymmetric.SharedVaultInviteData
	if err := in.Decode(&d); err != nil {
		return err
	}
	common.WipeByteArray(d.Material)
	if d.InviteUUID == "" || d.Vault.SystemIdentifier == "" || d.Key.SystemIdentifier != d.Vault.SystemIdentifier {
		return fmt.Errorf("%w: malformed invite from %s", common.ErrValidation, in.Sender())
	}
	if d.Vault.OwnerUUID != in.Sender() {
		return fmt.Errorf("invite for %s from non-owner %s: %w", d.Vault.SystemIdentifier, in.Sender(), common.ErrPermissionDenied)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.invites[d.InviteUUID]; ok {
		return nil
	}
	msg := in.Message
	inv := models.SharedVaultInvite{
		UUID:                  d.InviteUUID,
		Role:                  models.InviteInbound,
		InviterUUID:           in.Sender(),
		InviteeUUID:           p.self,
		VaultSystemIdentifier: d.Vault.SystemIdentifier,
		Permission:            d.Permission,
		KeyEpoch:              d.Key.Epoch,
		Status:                models.InviteSent,
		Message:               &msg,
		CreatedAt:             p.now(),
		ExpiresAt:             d.ExpiresAt,
	}
	if err := p.save(ctx, inv); err != nil {
		return err
	}
	p.log.Info(ctx, "invite received", "invite", inv.UUID, "vault", inv.VaultSystemIdentifier, "from", inv.InviterUUID)
	return nil
}

// open re-opens the sealed invite to recover its payload.
func (p *Protocol) open(inv models.SharedVaultInvite) (asymmetric.SharedVaultInviteData, cryptox.PublicKeys, error) {
	var d asymmetric.SharedVaultInviteData
	if inv.Message == nil {
		return d, cryptox.PublicKeys{}, fmt.Errorf("invite %s has no message: %w", inv.UUID, common.ErrKeyNotFound)
	}
	in, err := p.messages.Open(*inv.Message)
	if err != nil {
		return d, cryptox.PublicKeys{}, err
	}
	if err := in.Decode(&d); err != nil {
		return d, cryptox.PublicKeys{}, err
	}
	return d, in.SenderKeys, nil
}

// Accept joins the vault: it installs the key, records the listing,
// trusts the inviter and answers. A failed Accept may be retried.
func (p *Protocol) Accept(ctx context.Context, id string) (models.Vault, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv, err := p.get(id, models.InviteInbound)
	if err != nil {
		return models.Vault{}, err
	}
	if inv.Status != models.InviteSent {
		return models.Vault{}, transition(inv, models.InviteAccepted)
	}
	if !p.now().Before(inv.ExpiresAt) {
		inv.Status = models.InviteExpired
		if err := p.save(ctx, inv); err != nil {
			return models.Vault{}, err
		}
		return models.Vault{}, transition(inv, models.InviteAccepted)
	}

	d, inviterKeys, err := p.open(inv)
	if err != nil {
		return models.Vault{}, err
	}
	defer common.WipeByteArray(d.Material)

	d.Key.Storage = models.StoragePersisted
	if _, err := p.keys.InstallVaultKey(ctx, d.Key, d.Material); err != nil {
		return models.Vault{}, err
	}
	if _, err := p.contacts.Trust(ctx, inv.InviterUUID, d.InviterName, inviterKeys); err != nil {
		return models.Vault{}, err
	}
	listing := d.Vault
	listing.OwnerUUID = inv.InviterUUID
	listing.KeyEpoch = d.Key.Epoch
	v, err := p.vaults.AddSharedListing(ctx, listing)
	if err != nil {
		return models.Vault{}, err
	}
	err = p.messages.Send(ctx, inv.InviterUUID, models.MessageInviteResponse, asymmetric.InviteResponseData{
		InviteUUID: inv.UUID,
		Accepted:   true,
	})
	if err != nil {
		return models.Vault{}, err
	}

	inv.Status = models.InviteAccepted
	inv.Message = nil
	if err := p.save(ctx, inv); err != nil {
		return models.Vault{}, err
	}
	p.log.Info(ctx, "invite accepted", "invite", inv.UUID, "vault", inv.VaultSystemIdentifier)
	return v, nil
}

// Decline answers no and drops the sealed key.
func (p *Protocol) Decline(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inv, err := p.get(id, models.InviteInbound)
	if err != nil {
		return err
	}
	if inv.Status != models.InviteSent {
		return transition(inv, models.InviteDeclined)
	}
	d, inviterKeys, err := p.open(inv)
	if err != nil {
		return err
	}
	common.WipeByteArray(d.Material)
	err = p.messages.SendTo(ctx, inv.InviterUUID, inviterKeys, models.MessageInviteResponse, asymmetric.InviteResponseData{
		InviteUUID: inv.UUID,
		Accepted:   false,
	})
	if err != nil {
		return err
	}

	inv.Status = models.InviteDeclined
	inv.Message = nil
	if err := p.save(ctx, inv); err != nil {
		return err
	}
	p.log.Info(ctx, "invite declined", "invite", inv.UUID)
	return nil
}
