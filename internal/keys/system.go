// Package keys owns every key a session encrypts with: the account root key
// derived from the password, the ItemsKeys protecting account items, the
// per-vault key chains and the party's asymmetric key pairs.
//
// Payloads record the key that encrypted them in EncItemKeyRef, so a key is
// retained for as long as any payload or history entry still refers to it.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
)

const (
	metaKeyPairs    = "keypairs"
	metaRotation    = "rotation:"
	metaAwaitingAck = "awaiting:"
)

type itemsKey struct {
	uuid      string
	createdAt time.Time
	isDefault bool
	material  secret
}

type Options struct {
	Store  storage.Store
	Crypto cryptox.Crypto
	Logger logging.Logger
	Now    func() time.Time
}

type System struct {
	mu     sync.RWMutex
	store  storage.Store
	crypto cryptox.Crypto
	log    logging.Logger
	now    func() time.Time

	root      secret
	keyPairs  *cryptox.KeyPairs
	itemsKeys map[string]*itemsKey
	vaultKeys map[string]*vaultKey

	gates    map[string]chan struct{}
	pending  map[string]pendingRotation
	awaiting map[string]*ackState
}

func New(opts Options) *System {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := opts.Crypto
	if c == nil {
		c = cryptox.New()
	}
	return &System{
		store:     opts.Store,
		crypto:    c,
		log:       logging.OrNop(opts.Logger).With("module", "keys"),
		now:       now,
		itemsKeys: make(map[string]*itemsKey),
		vaultKeys: make(map[string]*vaultKey),
		gates:     make(map[string]chan struct{}),
		pending:   make(map[string]pendingRotation),
		awaiting:  make(map[string]*ackState),
	}
}

// SetRootKey installs the account root key. The caller's slice is not
// retained.
func (s *System) SetRootKey(material []byte) error {
	if len(material) != cryptox.KeySize {
		return cryptox.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root != nil {
		s.root.destroy()
	}
	s.root = newLockedSecret(material)
	return nil
}

func (s *System) HasRootKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root != nil
}

// Load restores the wrapped vault keys, the key pairs and any unfinished
// rotation bookkeeping from the store. The root key must be set.
func (s *System) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root == nil {
		return common.ErrRootKeyUnavailable
	}

	wrapped, err := s.store.LoadWrappedKeys(ctx)
	if err != nil {
		return fmt.Errorf("load wrapped keys: %w", err)
	}
	for _, w := range wrapped {
		material, err := s.unwrap(w.EncKey, w.Nonce, wrapAAD(w.UUID, w.SystemIdentifier, w.Epoch))
		if err != nil {
			return fmt.Errorf("unwrap vault key %s: %w", w.UUID, err)
		}
		s.vaultKeys[w.UUID] = &vaultKey{
			VaultKey: VaultKey{
				UUID:             w.UUID,
				SystemIdentifier: w.SystemIdentifier,
				Epoch:            w.Epoch,
				State:            State(w.State),
				Storage:          models.StoragePersisted,
				CreatedAt:        w.CreatedAt,
			},
			material: newPlainSecret(material),
			wrapped:  &w,
		}
		common.WipeByteArray(material)
	}

	blob, err := s.store.GetMeta(ctx, metaKeyPairs)
	switch {
	case errors.Is(err, common.ErrorNotFound):
	case err != nil:
		return fmt.Errorf("load key pairs: %w", err)
	default:
		var env sealedBlob
		if err := json.Unmarshal(blob, &env); err != nil {
			return fmt.Errorf("decode key pairs: %w", err)
		}
		plain, err := s.unwrap(env.Ciphertext, env.Nonce, []byte(metaKeyPairs))
		if err != nil {
			return fmt.Errorf("unwrap key pairs: %w", err)
		}
		var kp cryptox.KeyPairs
		if err := json.Unmarshal(plain, &kp); err != nil {
			return fmt.Errorf("decode key pairs: %w", err)
		}
		common.WipeByteArray(plain)
		s.keyPairs = &kp
	}

	if err := s.loadRotationState(ctx); err != nil {
		return err
	}

	s.log.Debug(ctx, "keys loaded", "vault_keys", len(s.vaultKeys), "pending_rotations", len(s.pending))
	return nil
}

// Close forgets every key held in memory.
func (s *System) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root != nil {
		s.root.destroy()
		s.root = nil
	}
	for _, k := range s.itemsKeys {
		k.material.destroy()
	}
	for _, k := range s.vaultKeys {
		k.material.destroy()
	}
	if s.keyPairs != nil {
		common.WipeByteArray(s.keyPairs.EncPrivate)
		common.WipeByteArray(s.keyPairs.SignPrivate)
		s.keyPairs = nil
	}
	s.itemsKeys = make(map[string]*itemsKey)
	s.vaultKeys = make(map[string]*vaultKey)
}

type sealedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// wrap encrypts plaintext under the root key. Callers hold s.mu.
func (s *System) wrap(plaintext, aad []byte) (ct, nonce []byte, err error) {
	if s.root == nil {
		return nil, nil, common.ErrRootKeyUnavailable
	}
	err = s.root.use(func(k []byte) error {
		ct, nonce, err = s.crypto.Encrypt(k, plaintext, aad)
		return err
	})
	return ct, nonce, err
}

func (s *System) unwrap(ct, nonce, aad []byte) (plain []byte, err error) {
	if s.root == nil {
		return nil, common.ErrRootKeyUnavailable
	}
	err = s.root.use(func(k []byte) error {
		plain, err = s.crypto.Decrypt(k, ct, nonce, aad)
		return err
	})
	return plain, err
}

// SetKeyPairs installs and persists the party's asymmetric key pairs.
func (s *System) SetKeyPairs(ctx context.Context, kp *cryptox.KeyPairs) error {
	plain, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("encode key pairs: %w", err)
	}
	defer common.WipeByteArray(plain)

	s.mu.Lock()
	defer s.mu.Unlock()

	ct, nonce, err := s.wrap(plain, []byte(metaKeyPairs))
	if err != nil {
		return fmt.Errorf("wrap key pairs: %w", err)
	}
	blob, err := json.Marshal(sealedBlob{Ciphertext: ct, Nonce: nonce})
	if err != nil {
		return fmt.Errorf("encode key pairs: %w", err)
	}
	var b storage.Batch
	b.SetMeta(metaKeyPairs, blob)
	if err := s.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("persist key pairs: %w", err)
	}
	cp := *kp
	s.keyPairs = &cp
	return nil
}

// KeyPairs returns the party's key pairs.
func (s *System) KeyPairs() (*cryptox.KeyPairs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keyPairs == nil {
		return nil, fmt.Errorf("key pairs: %w", common.ErrKeyNotFound)
	}
	cp := *s.keyPairs
	return &cp, nil
}

// CreateItemsKey generates a new default ItemsKey and returns the payload
// to save. The key is usable immediately.
func (s *System) CreateItemsKey(now time.Time) models.Payload {
	content := models.ItemsKeyContent{
		Key:       s.crypto.GenerateKey(),
		Version:   common.ProtocolVersion,
		IsDefault: true,
	}
	p := models.NewPayload(content, now)

	s.mu.Lock()
	s.learnItemsKey(p.UUID, content, now)
	s.mu.Unlock()
	return p
}

// TrackItemsKeys keeps the system's ItemsKeys in step with the collection.
// Register it with Collection.Observe.
func (s *System) TrackItemsKeys(ch collection.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range slices.Concat(ch.Inserted, ch.Updated) {
		c, ok := it.ItemsKey()
		if !ok || it.Deleted() {
			continue
		}
		s.learnItemsKey(it.UUID(), c, it.CreatedAt())
	}
}

// LearnItemsKeys registers decrypted ItemsKey payloads before they reach
// the collection, so items arriving in the same batch can be opened.
func (s *System) LearnItemsKeys(ps ...models.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		c, ok := p.Content.(models.ItemsKeyContent)
		if !ok || p.Deleted {
			continue
		}
		s.learnItemsKey(p.UUID, c, p.CreatedAt)
	}
}

func (s *System) learnItemsKey(uuid string, c models.ItemsKeyContent, createdAt time.Time) {
	if existing, ok := s.itemsKeys[uuid]; ok {
		existing.isDefault = c.IsDefault
		return
	}
	s.itemsKeys[uuid] = &itemsKey{
		uuid:      uuid,
		createdAt: createdAt,
		isDefault: c.IsDefault,
		material:  newPlainSecret(c.Key),
	}
}

// DefaultItemsKey returns the uuid of the newest default ItemsKey.
func (s *System) DefaultItemsKey() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.defaultItemsKey()
	if k == nil {
		return "", false
	}
	return k.uuid, true
}

func (s *System) defaultItemsKey() *itemsKey {
	var best *itemsKey
	for _, k := range s.itemsKeys {
		switch {
		case best == nil:
			best = k
		case k.isDefault != best.isDefault:
			if k.isDefault {
				best = k
			}
		case k.createdAt.After(best.createdAt):
			best = k
		}
	}
	return best
}

func (s *System) ItemsKeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.itemsKeys)
}

// EncryptPayload encrypts p's content under the key its kind calls for:
// ItemsKeys under the root key, vault items under the vault's active key,
// everything else under the default ItemsKey. Tombstones and payloads
// already holding ciphertext are returned unchanged.
func (s *System) EncryptPayload(p models.Payload) (models.Payload, error) {
	if p.Deleted || p.Content == nil {
		return p, nil
	}

	s.mu.RLock()
	ref, err := s.keyRefFor(p)
	s.mu.RUnlock()
	if err != nil {
		return models.Payload{}, fmt.Errorf("encrypt %s: %w", p.UUID, err)
	}
	return s.EncryptWithRef(p, ref)
}

func (s *System) keyRefFor(p models.Payload) (string, error) {
	switch {
	case p.ContentType == models.ContentTypeItemsKey:
		if s.root == nil {
			return "", common.ErrRootKeyUnavailable
		}
		return common.RootKeyRef, nil
	case p.KeySystemIdentifier != "":
		k := s.activeVaultKey(p.KeySystemIdentifier)
		if k == nil {
			return "", fmt.Errorf("vault %s: %w", p.KeySystemIdentifier, common.ErrKeyNotFound)
		}
		return k.UUID, nil
	default:
		k := s.defaultItemsKey()
		if k == nil {
			return "", fmt.Errorf("items key: %w", common.ErrKeyNotFound)
		}
		return k.uuid, nil
	}
}

// EncryptWithRef encrypts p's content under the key named by ref.
func (s *System) EncryptWithRef(p models.Payload, ref string) (models.Payload, error) {
	if p.Deleted || p.Content == nil {
		return p, nil
	}
	data, err := models.EncodeContent(p.Content)
	if err != nil {
		return models.Payload{}, fmt.Errorf("encode content: %w", err)
	}
	defer common.WipeByteArray(data)

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, epoch, err := s.lookup(ref)
	if err != nil {
		return models.Payload{}, fmt.Errorf("encrypt %s: %w", p.UUID, err)
	}
	var ct, nonce []byte
	err = key.use(func(k []byte) error {
		ct, nonce, err = s.crypto.Encrypt(k, data, p.AAD())
		return err
	})
	if err != nil {
		return models.Payload{}, fmt.Errorf("encrypt %s: %w", p.UUID, err)
	}
	return p.WithCiphertext(ct, nonce, ref, epoch), nil
}

// DecryptPayload returns p with its content decrypted. A missing key is
// reported as a decryption failure wrapping common.ErrKeyNotFound.
func (s *System) DecryptPayload(p models.Payload) (models.Payload, error) {
	if !p.IsEncrypted() {
		return p, nil
	}

	s.mu.RLock()
	key, _, err := s.lookup(p.EncItemKeyRef)
	if err != nil {
		s.mu.RUnlock()
		return models.Payload{}, fmt.Errorf("decrypt %s: %w: %w", p.UUID, common.ErrDecryptionFailed, err)
	}
	var plain []byte
	err = key.use(func(k []byte) error {
		plain, err = s.crypto.Decrypt(k, p.EncContent, p.Nonce, p.AAD())
		return err
	})
	s.mu.RUnlock()
	if err != nil {
		return models.Payload{}, fmt.Errorf("decrypt %s: %w", p.UUID, err)
	}
	defer common.WipeByteArray(plain)

	c, err := models.DecodeContent(p.ContentType, plain)
	if err != nil {
		return models.Payload{}, fmt.Errorf("decrypt %s: %w: %w", p.UUID, common.ErrDecryptionFailed, err)
	}
	return p.WithContent(c), nil
}

// lookup resolves a key reference. Callers hold s.mu.
func (s *System) lookup(ref string) (secret, int, error) {
	if ref == common.RootKeyRef {
		if s.root == nil {
			return nil, 0, common.ErrRootKeyUnavailable
		}
		return s.root, 0, nil
	}
	if k, ok := s.itemsKeys[ref]; ok {
		return k.material, 0, nil
	}
	if k, ok := s.vaultKeys[ref]; ok {
		return k.material, k.Epoch, nil
	}
	return nil, 0, fmt.Errorf("key %q: %w", ref, common.ErrKeyNotFound)
}

// HasKey reports whether ref can be resolved.
func (s *System) HasKey(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, _, err := s.lookup(ref)
	return err == nil
}
