package keys

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/google/uuid"
)

type State string

const (
	StateActive        State = "active"
	StateSuperseded    State = "superseded"
	StatePurgeEligible State = "purge_eligible"
)

// VaultKey describes one key in a vault's chain. Material is never part of
// it; see ExportVaultKey.
type VaultKey struct {
	UUID             string                   `json:"uuid"`
	SystemIdentifier string                   `json:"system_identifier"`
	Epoch            int                      `json:"epoch"`
	State            State                    `json:"state"`
	Storage          models.StoragePreference `json:"storage"`
	CreatedAt        time.Time                `json:"created_at"`
}

type vaultKey struct {
	VaultKey
	material secret
	wrapped  *storage.WrappedKey
}

func wrapAAD(keyUUID, systemIdentifier string, epoch int) []byte {
	return []byte(keyUUID + "|" + systemIdentifier + "|" + strconv.Itoa(epoch))
}

// CreateVaultKey generates the first key of a new vault.
func (s *System) CreateVaultKey(ctx context.Context, vaultID string, pref models.StoragePreference) (VaultKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k := s.activeVaultKey(vaultID); k != nil {
		return k.VaultKey, nil
	}
	material := s.crypto.GenerateKey()
	defer common.WipeByteArray(material)

	k, b, err := s.addVaultKey(vaultID, uuid.NewString(), s.nextEpoch(vaultID), pref, material)
	if err != nil {
		return VaultKey{}, err
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return VaultKey{}, fmt.Errorf("persist vault key: %w", err)
	}
	s.log.Info(ctx, "vault key created", "vault", vaultID, "epoch", k.Epoch, "storage", pref)
	return k, nil
}

// InstallVaultKey adds a key received from another party. Installing a key
// already held is a no-op and reports false. A key newer than the active
// one becomes active.
func (s *System) InstallVaultKey(ctx context.Context, k VaultKey, material []byte) (bool, error) {
	if len(material) == 0 {
		return false, fmt.Errorf("install vault key: %w", common.ErrKeyNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vaultKeys[k.UUID]; ok {
		return false, nil
	}
	pref := k.Storage
	if pref == "" {
		pref = models.StoragePersisted
	}
	added, b, err := s.addVaultKey(k.SystemIdentifier, k.UUID, k.Epoch, pref, material)
	if err != nil {
		return false, err
	}
	if err := s.store.Commit(ctx, b); err != nil {
		delete(s.vaultKeys, k.UUID)
		return false, fmt.Errorf("persist vault key: %w", err)
	}
	s.log.Info(ctx, "vault key installed", "vault", k.SystemIdentifier, "epoch", added.Epoch, "state", added.State)
	return true, nil
}

// addVaultKey registers material under keyUUID and supersedes the current
// active key when the new one is newer. Callers hold s.mu and commit the
// returned batch.
func (s *System) addVaultKey(vaultID, keyUUID string, epoch int, pref models.StoragePreference, material []byte) (VaultKey, storage.Batch, error) {
	var b storage.Batch

	k := &vaultKey{
		VaultKey: VaultKey{
			UUID:             keyUUID,
			SystemIdentifier: vaultID,
			Epoch:            epoch,
			State:            StateActive,
			Storage:          pref,
			CreatedAt:        s.now(),
		},
	}

	active := s.activeVaultKey(vaultID)
	if active != nil && active.Epoch >= epoch {
		k.State = StateSuperseded
	}

	if pref == models.StorageEphemeral {
		k.material = newLockedSecret(material)
	} else {
		k.material = newPlainSecret(material)
		w, err := s.wrapVaultKey(k)
		if err != nil {
			return VaultKey{}, b, err
		}
		k.wrapped = w
		b.Keys = append(b.Keys, *k.persisted())
	}

	if k.State == StateActive && active != nil {
		active.State = StateSuperseded
		if w := active.persisted(); w != nil {
			b.Keys = append(b.Keys, *w)
		}
	}

	s.vaultKeys[keyUUID] = k
	return k.VaultKey, b, nil
}

func (s *System) wrapVaultKey(k *vaultKey) (*storage.WrappedKey, error) {
	var w *storage.WrappedKey
	err := k.material.use(func(m []byte) error {
		ct, nonce, err := s.wrap(m, wrapAAD(k.UUID, k.SystemIdentifier, k.Epoch))
		if err != nil {
			return err
		}
		w = &storage.WrappedKey{
			UUID:             k.UUID,
			SystemIdentifier: k.SystemIdentifier,
			Epoch:            k.Epoch,
			EncKey:           ct,
			Nonce:            nonce,
			CreatedAt:        k.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wrap vault key %s: %w", k.UUID, err)
	}
	return w, nil
}

// persisted returns the wrapped record carrying k's current state, or nil
// for ephemeral keys.
func (k *vaultKey) persisted() *storage.WrappedKey {
	if k.wrapped == nil {
		return nil
	}
	w := *k.wrapped
	w.State = string(k.State)
	k.wrapped = &w
	return &w
}

func (s *System) activeVaultKey(vaultID string) *vaultKey {
	for _, k := range s.vaultKeys {
		if k.SystemIdentifier == vaultID && k.State == StateActive {
			return k
		}
	}
	return nil
}

func (s *System) nextEpoch(vaultID string) int {
	epoch := 0
	for _, k := range s.vaultKeys {
		if k.SystemIdentifier == vaultID && k.Epoch > epoch {
			epoch = k.Epoch
		}
	}
	return epoch + 1
}

func (s *System) ActiveVaultKey(vaultID string) (VaultKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.activeVaultKey(vaultID)
	if k == nil {
		return VaultKey{}, false
	}
	return k.VaultKey, true
}

// VaultKeys returns vaultID's key chain, oldest epoch first.
func (s *System) VaultKeys(vaultID string) []VaultKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VaultKey
	for _, k := range s.vaultKeys {
		if k.SystemIdentifier == vaultID {
			out = append(out, k.VaultKey)
		}
	}
	slices.SortFunc(out, func(a, b VaultKey) int { return a.Epoch - b.Epoch })
	return out
}

// ExportVaultKey returns the active key of vaultID and a copy of its
// material for sealing to another party.
func (s *System) ExportVaultKey(vaultID string) (VaultKey, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.activeVaultKey(vaultID)
	if k == nil {
		return VaultKey{}, nil, fmt.Errorf("vault %s: %w", vaultID, common.ErrKeyNotFound)
	}
	material, err := copyOf(k.material)
	if err != nil {
		return VaultKey{}, nil, fmt.Errorf("export vault key: %w", err)
	}
	return k.VaultKey, material, nil
}

// EnsureShareable makes every key of vaultID durable so the key can still
// be handed to members in later sessions.
func (s *System) EnsureShareable(ctx context.Context, vaultID string) (VaultKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeVaultKey(vaultID)
	if active == nil {
		return VaultKey{}, fmt.Errorf("vault %s: %w", vaultID, common.ErrKeyNotFound)
	}

	var b storage.Batch
	for _, k := range s.vaultKeys {
		if k.SystemIdentifier != vaultID || k.Storage == models.StoragePersisted {
			continue
		}
		material, err := copyOf(k.material)
		if err != nil {
			return VaultKey{}, fmt.Errorf("ensure shareable: %w", err)
		}
		k.material.destroy()
		k.material = newPlainSecret(material)
		common.WipeByteArray(material)
		k.Storage = models.StoragePersisted

		w, err := s.wrapVaultKey(k)
		if err != nil {
			return VaultKey{}, err
		}
		k.wrapped = w
		b.Keys = append(b.Keys, *k.persisted())
	}
	if b.Empty() {
		return active.VaultKey, nil
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return VaultKey{}, fmt.Errorf("persist vault keys: %w", err)
	}
	s.log.Info(ctx, "vault keys made durable", "vault", vaultID, "count", len(b.Keys))
	return active.VaultKey, nil
}

// RetireVault marks every key of vaultID eligible for purge. The keys stay
// until nothing references them.
func (s *System) RetireVault(ctx context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.markPurgeEligible(vaultID, true)
	delete(s.awaiting, vaultID)
	b.DeleteMeta = append(b.DeleteMeta, metaAwaitingAck+vaultID, metaRotation+vaultID)
	delete(s.pending, vaultID)
	if err := s.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("retire vault keys: %w", err)
	}
	return nil
}

// markPurgeEligible flags the vault's superseded keys, or every key when
// all is set. Callers hold s.mu and commit the batch.
func (s *System) markPurgeEligible(vaultID string, all bool) storage.Batch {
	var b storage.Batch
	for _, k := range s.vaultKeys {
		if k.SystemIdentifier != vaultID || k.State == StatePurgeEligible {
			continue
		}
		if k.State == StateActive && !all {
			continue
		}
		k.State = StatePurgeEligible
		if w := k.persisted(); w != nil {
			b.Keys = append(b.Keys, *w)
		}
	}
	return b
}

// PurgeEligible destroys purge-eligible keys that refs does not mention.
// refs counts references by key uuid across payloads, history and
// quarantined ciphertext. It returns the purged key uuids.
func (s *System) PurgeEligible(ctx context.Context, refs map[string]int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b storage.Batch
	var victims []*vaultKey
	for _, k := range s.vaultKeys {
		if k.State != StatePurgeEligible || refs[k.UUID] > 0 {
			continue
		}
		victims = append(victims, k)
		b.DeleteKeys = append(b.DeleteKeys, k.UUID)
	}
	if len(victims) == 0 {
		return nil, nil
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("purge vault keys: %w", err)
	}
	for _, k := range victims {
		k.material.destroy()
		delete(s.vaultKeys, k.UUID)
	}
	slices.Sort(b.DeleteKeys)
	s.log.Info(ctx, "vault keys purged", "count", len(victims))
	return b.DeleteKeys, nil
}
