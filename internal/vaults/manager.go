// Package vaults manages key-system-scoped containers of items. A vault is
// described by a listing item in the account; its items are encrypted
// under the vault's own key chain. Shared vaults are registered with the
// server, which then relays their items to the members.
package vaults

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophnotes/internal/asymmetric"
	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config describes a new vault.
type Config struct {
	Name              string                   `validate:"required,max=128"`
	Description       string                   `validate:"max=1024"`
	IconString        string                   `validate:"max=64"`
	StoragePreference models.StoragePreference `validate:"omitempty,oneof=ephemeral persisted"`
}

// Fields lists the metadata to change; nil fields are kept.
type Fields struct {
	Name        *string
	Description *string
	IconString  *string
}

var validate = validator.New()

type Options struct {
	UserUUID   string
	Items      *items.Manager
	Collection *collection.Collection
	Keys       *keys.System
	Transport  transport.Transport
	Messages   *asymmetric.Processor
	Logger     logging.Logger
}

type Manager struct {
	self     string
	items    *items.Manager
	col      *collection.Collection
	keys     *keys.System
	tr       transport.Transport
	messages *asymmetric.Processor
	log      logging.Logger
}

// New returns a Manager and registers its key rotation handlers with the
// message processor.
func New(opts Options) *Manager {
	m := &Manager{
		self:     opts.UserUUID,
		items:    opts.Items,
		col:      opts.Collection,
		keys:     opts.Keys,
		tr:       opts.Transport,
		messages: opts.Messages,
		log:      logging.OrNop(opts.Logger).With("module", "vaults"),
	}
	if m.messages != nil {
		m.messages.Handle(models.MessageKeyRotation, m.handleKeyRotation)
		m.messages.Handle(models.MessageKeyRotationAck, m.handleKeyRotationAck)
	}
	return m
}

// Vaults returns every vault ordered by name.
func (m *Manager) Vaults() []models.Vault {
	var out []models.Vault
	for _, it := range m.col.ByContentType(models.ContentTypeVaultListing) {
		if v, ok := models.VaultFromItem(it); ok {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b models.Vault) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.SystemIdentifier, b.SystemIdentifier)
	})
	return out
}

// Vault returns the vault with the given system identifier.
func (m *Manager) Vault(id string) (models.Vault, bool) {
	for _, it := range m.col.ByContentType(models.ContentTypeVaultListing) {
		if v, ok := models.VaultFromItem(it); ok && v.SystemIdentifier == id {
			return v, true
		}
	}
	return models.Vault{}, false
}

func (m *Manager) vault(id string) (models.Vault, error) {
	v, ok := m.Vault(id)
	if !ok {
		return models.Vault{}, fmt.Errorf("vault %s: %w", id, common.ErrorNotFound)
	}
	return v, nil
}

// owned returns id if the caller owns it. Membership changes are made by
// the owner only, whose listing is the authoritative member list.
func (m *Manager) owned(id string) (models.Vault, error) {
	v, err := m.vault(id)
	if err != nil {
		return models.Vault{}, err
	}
	if v.Shared && v.OwnerUUID != m.self {
		return models.Vault{}, fmt.Errorf("vault %s is owned by %s: %w", id, v.OwnerUUID, common.ErrPermissionDenied)
	}
	return v, nil
}

func (m *Manager) updateListing(ctx context.Context, v models.Vault, fn func(models.VaultListingContent) models.VaultListingContent) (models.Vault, error) {
	it, err := m.items.Change(ctx, v.ListingUUID, func(c models.Content) (models.Content, error) {
		cur, ok := c.(models.VaultListingContent)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a vault listing", common.ErrValidation, v.ListingUUID)
		}
		return fn(cur), nil
	})
	if err != nil {
		return models.Vault{}, err
	}
	next, _ := models.VaultFromItem(it)
	return next, nil
}

// CreateVault generates a key for a new vault and saves its listing.
func (m *Manager) CreateVault(ctx context.Context, cfg Config) (models.Vault, error) {
	if err := validate.Struct(cfg); err != nil {
		return models.Vault{}, fmt.Errorf("%w: %w", common.ErrValidation, err)
	}
	if cfg.StoragePreference == "" {
		cfg.StoragePreference = models.StoragePersisted
	}

	id := uuid.NewString()
	key, err := m.keys.CreateVaultKey(ctx, id, cfg.StoragePreference)
	if err != nil {
		return models.Vault{}, err
	}
	it, err := m.items.Create(ctx, models.VaultListingContent{
		SystemIdentifier:  id,
		Name:              cfg.Name,
		Description:       cfg.Description,
		IconString:        cfg.IconString,
		StoragePreference: cfg.StoragePreference,
		KeyEpoch:          key.Epoch,
	})
	if err != nil {
		return models.Vault{}, err
	}
	v, _ := models.VaultFromItem(it)
	m.log.Info(ctx, "vault created", "vault", id, "storage", cfg.StoragePreference)
	return v, nil
}

// ChangeVaultMetadata updates the descriptive fields of a vault.
func (m *Manager) ChangeVaultMetadata(ctx context.Context, id string, f Fields) (models.Vault, error) {
	v, err := m.vault(id)
	if err != nil {
		return models.Vault{}, err
	}
	if perm, _ := v.PermissionFor(m.self); perm != models.PermissionAdmin {
		return models.Vault{}, fmt.Errorf("change vault %s: %w", id, common.ErrPermissionDenied)
	}
	cfg := Config{Name: v.Name, Description: v.Description, IconString: v.IconString, StoragePreference: v.StoragePreference}
	if f.Name != nil {
		cfg.Name = *f.Name
	}
	if f.Description != nil {
		cfg.Description = *f.Description
	}
	if f.IconString != nil {
		cfg.IconString = *f.IconString
	}
	if err := validate.Struct(cfg); err != nil {
		return models.Vault{}, fmt.Errorf("%w: %w", common.ErrValidation, err)
	}
	return m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		c.Name, c.Description, c.IconString = cfg.Name, cfg.Description, cfg.IconString
		return c
	})
}

// ConvertToSharedVault registers a private vault with the server so that
// members can be invited. Its keys are made durable first, since they
// must outlive this session to be handed out.
func (m *Manager) ConvertToSharedVault(ctx context.Context, id string) (models.Vault, error) {
	v, err := m.owned(id)
	if err != nil {
		return models.Vault{}, err
	}
	if v.Shared {
		return v, nil
	}
	if _, err := m.keys.EnsureShareable(ctx, id); err != nil {
		return models.Vault{}, err
	}
	if err := m.tr.CreateSharedVault(ctx, id); err != nil {
		return models.Vault{}, fmt.Errorf("register shared vault: %w", err)
	}
	v, err = m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		c.Shared = true
		c.OwnerUUID = m.self
		c.StoragePreference = models.StoragePersisted
		return c
	})
	if err != nil {
		return models.Vault{}, err
	}
	m.log.Info(ctx, "vault shared", "vault", id)
	return v, nil
}

// accountOnly are content types that never leave the account key system.
var accountOnly = []models.ContentType{
	models.ContentTypeItemsKey,
	models.ContentTypeVaultListing,
	models.ContentTypeTrustedContact,
	models.ContentTypeUserPrefs,
}

func (m *Manager) requireWrite(vaultID string) error {
	if vaultID == "" {
		return nil
	}
	v, err := m.vault(vaultID)
	if err != nil {
		return err
	}
	perm, ok := v.PermissionFor(m.self)
	if !ok || !perm.CanWrite() {
		return fmt.Errorf("vault %s: %w", vaultID, common.ErrPermissionDenied)
	}
	return nil
}

// MoveItemToVault re-homes an item into a vault. The caller needs write
// access to both the vault it leaves and the one it enters.
func (m *Manager) MoveItemToVault(ctx context.Context, vaultID, itemUUID string) (*models.Item, error) {
	if vaultID == "" {
		return nil, fmt.Errorf("%w: empty vault id", common.ErrValidation)
	}
	it, ok := m.col.Find(itemUUID)
	if !ok || it.Deleted() {
		return nil, fmt.Errorf("item %s: %w", itemUUID, common.ErrorNotFound)
	}
	if slices.Contains(accountOnly, it.ContentType()) {
		return nil, fmt.Errorf("%w: %s items stay in the account", common.ErrValidation, it.ContentType())
	}
	if err := m.requireWrite(vaultID); err != nil {
		return nil, err
	}
	if err := m.requireWrite(it.KeySystemIdentifier()); err != nil {
		return nil, err
	}
	return m.items.Move(ctx, itemUUID, vaultID)
}

// RemoveItemFromVault moves an item back into the account.
func (m *Manager) RemoveItemFromVault(ctx context.Context, itemUUID string) (*models.Item, error) {
	it, ok := m.col.Find(itemUUID)
	if !ok || it.Deleted() {
		return nil, fmt.Errorf("item %s: %w", itemUUID, common.ErrorNotFound)
	}
	if err := m.requireWrite(it.KeySystemIdentifier()); err != nil {
		return nil, err
	}
	return m.items.Move(ctx, itemUUID, "")
}

// AddSharedListing records a vault joined through an invite. Joining the
// same vault again returns the existing listing.
func (m *Manager) AddSharedListing(ctx context.Context, c models.VaultListingContent) (models.Vault, error) {
	if v, ok := m.Vault(c.SystemIdentifier); ok {
		return v, nil
	}
	c.Shared = true
	c.StoragePreference = models.StoragePersisted
	it, err := m.items.Create(ctx, c)
	if err != nil {
		return models.Vault{}, err
	}
	v, _ := models.VaultFromItem(it)
	m.log.Info(ctx, "shared vault joined", "vault", c.SystemIdentifier, "owner", c.OwnerUUID)
	return v, nil
}

// AddMember grants userUUID access on the server and records it in the
// listing. A member that was handed an older key than the active one is
// sent the current key.
func (m *Manager) AddMember(ctx context.Context, vaultID, userUUID string, perm models.Permission, knownEpoch int) (models.Vault, error) {
	v, err := m.owned(vaultID)
	if err != nil {
		return models.Vault{}, err
	}
	if !v.Shared {
		return models.Vault{}, fmt.Errorf("vault %s: %w", vaultID, common.ErrVaultNotShared)
	}
	if !perm.Valid() {
		return models.Vault{}, fmt.Errorf("%w: permission %q", common.ErrValidation, perm)
	}
	if err := m.tr.AddSharedVaultMember(ctx, vaultID, userUUID, perm); err != nil {
		return models.Vault{}, fmt.Errorf("add member: %w", err)
	}

	if active, ok := m.keys.ActiveVaultKey(vaultID); ok && active.Epoch > knownEpoch {
		key, material, err := m.keys.ExportVaultKey(vaultID)
		if err != nil {
			return models.Vault{}, err
		}
		err = m.messages.AnnounceKey(ctx, vaultID, key, material, []string{userUUID})
		common.WipeByteArray(material)
		if err != nil {
			return models.Vault{}, err
		}
	}

	v, err = m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		return c.WithMember(models.VaultMember{UserUUID: userUUID, Permission: perm, KeyEpoch: knownEpoch})
	})
	if err != nil {
		return models.Vault{}, err
	}
	m.log.Info(ctx, "vault member added", "vault", vaultID, "member", userUUID, "permission", perm)
	return v, nil
}

// RemoveMember revokes a member and rotates the vault key so that content
// written from now on is unreadable to them.
func (m *Manager) RemoveMember(ctx context.Context, vaultID, userUUID string) (keys.RotationResult, error) {
	v, err := m.owned(vaultID)
	if err != nil {
		return keys.RotationResult{}, err
	}
	if _, ok := v.Member(userUUID); !ok {
		return keys.RotationResult{}, fmt.Errorf("member %s of vault %s: %w", userUUID, vaultID, common.ErrorNotFound)
	}
	if err := m.tr.RemoveSharedVaultMember(ctx, vaultID, userUUID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		return keys.RotationResult{}, fmt.Errorf("remove member: %w", err)
	}
	if _, err := m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		return c.WithoutMember(userUUID)
	}); err != nil {
		return keys.RotationResult{}, err
	}
	m.log.Info(ctx, "vault member removed", "vault", vaultID, "member", userUUID)
	return m.RotateVaultKey(ctx, vaultID)
}

// RotateVaultKey replaces the vault's key, re-encrypts its items and sends
// the new key to the remaining members.
func (m *Manager) RotateVaultKey(ctx context.Context, vaultID string) (keys.RotationResult, error) {
	v, err := m.owned(vaultID)
	if err != nil {
		return keys.RotationResult{}, err
	}
	plan := keys.Plan{Members: v.OtherMembers(m.self), Reencrypter: m.items}
	if m.messages != nil {
		plan.Announcer = m.messages
	}
	res, err := m.keys.Rotate(ctx, vaultID, plan)
	if err != nil {
		return res, err
	}
	if _, err := m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		c.KeyEpoch = res.Key.Epoch
		return c
	}); err != nil {
		return res, err
	}
	return res, nil
}

// DeleteVault removes a vault. The owner deletes its items everywhere; a
// member leaves the vault and only drops the local copies.
func (m *Manager) DeleteVault(ctx context.Context, vaultID string) error {
	v, err := m.vault(vaultID)
	if err != nil {
		return err
	}

	if v.Shared && v.OwnerUUID != m.self {
		if err := m.tr.RemoveSharedVaultMember(ctx, vaultID, m.self); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("leave vault: %w", err)
		}
		if _, err := m.items.Forget(ctx, vaultID); err != nil {
			return err
		}
	} else {
		for it := range m.col.Query(nil, collection.InVault(vaultID)) {
			if err := m.items.Delete(ctx, it.UUID()); err != nil && !errors.Is(err, common.ErrorNotFound) {
				return err
			}
		}
	}

	if err := m.items.Delete(ctx, v.ListingUUID); err != nil {
		return err
	}
	if err := m.keys.RetireVault(ctx, vaultID); err != nil {
		return err
	}
	m.log.Info(ctx, "vault deleted", "vault", vaultID, "shared", v.Shared)
	return nil
}

func (m *Manager) handleKeyRotation(ctx context.Context, in asymmetric.Inbound) error {
	var d asymmetric.KeyRotationData
	if err := in.Decode(&d); err != nil {
		return err
	}
	defer common.WipeByteArray(d.Material)
	if d.Key.SystemIdentifier != d.VaultID {
		return fmt.Errorf("%w: key for %s announced for %s", common.ErrValidation, d.Key.SystemIdentifier, d.VaultID)
	}
	v, err := m.vault(d.VaultID)
	if err != nil {
		return err
	}
	if v.OwnerUUID != in.Sender() {
		return fmt.Errorf("key rotation for %s from %s: %w", d.VaultID, in.Sender(), common.ErrPermissionDenied)
	}

	d.Key.Storage = models.StoragePersisted
	installed, err := m.keys.InstallVaultKey(ctx, d.Key, d.Material)
	if err != nil {
		return err
	}
	if installed {
		if _, err := m.items.RetryDecryption(ctx); err != nil {
			return err
		}
	}
	if d.Key.Epoch > v.KeyEpoch {
		if _, err := m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
			c.KeyEpoch = d.Key.Epoch
			return c
		}); err != nil {
			return err
		}
	}
	return m.messages.Send(ctx, in.Sender(), models.MessageKeyRotationAck, asymmetric.KeyRotationAckData{
		VaultID: d.VaultID,
		Epoch:   d.Key.Epoch,
	})
}

func (m *Manager) handleKeyRotationAck(ctx context.Context, in asymmetric.Inbound) error {
	var d asymmetric.KeyRotationAckData
	if err := in.Decode(&d); err != nil {
		return err
	}
	v, err := m.owned(d.VaultID)
	if err != nil {
		return err
	}
	member, ok := v.Member(in.Sender())
	if !ok {
		return fmt.Errorf("ack from %s for %s: %w", in.Sender(), d.VaultID, common.ErrPermissionDenied)
	}
	if _, err := m.keys.RecordMemberEpoch(ctx, d.VaultID, in.Sender(), d.Epoch); err != nil {
		return err
	}
	if d.Epoch <= member.KeyEpoch {
		return nil
	}
	member.KeyEpoch = d.Epoch
	_, err = m.updateListing(ctx, v, func(c models.VaultListingContent) models.VaultListingContent {
		return c.WithMember(member)
	})
	return err
}
