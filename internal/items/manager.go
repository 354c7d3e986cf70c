// Package items is the serialized mutation path of a session. Every change
// to an item, whether made locally or arriving from the server, goes
// through a Manager: it records the prior revision in history, persists
// the encrypted result in one store commit and only then applies it to the
// in-memory collection, which notifies observers.
//
// Observers run while the manager's lock is held and must not call back
// into the Manager.
package items

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/dirty"
	"github.com/dmitrijs2005/gophnotes/internal/history"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
)

type Options struct {
	Collection *collection.Collection
	Dirty      *dirty.Tracker
	History    *history.Store
	Keys       *keys.System
	Store      storage.Store
	Logger     logging.Logger
	Now        func() time.Time
}

type Manager struct {
	mu    sync.Mutex
	col   *collection.Collection
	dirty *dirty.Tracker
	hist  *history.Store
	keys  *keys.System
	store storage.Store
	log   logging.Logger
	now   func() time.Time
}

func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		col:   opts.Collection,
		dirty: opts.Dirty,
		hist:  opts.History,
		keys:  opts.Keys,
		store: opts.Store,
		log:   logging.OrNop(opts.Logger).With("module", "items"),
		now:   now,
	}
}

// Load fills the collection, history and dirty tracker from the store.
// ItemsKeys are decrypted first so the items they protect can be opened.
// Payloads that fail to decrypt are loaded quarantined. It returns the
// number of quarantined payloads.
func (m *Manager) Load(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.LoadPayloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("load payloads: %w", err)
	}
	entries, err := m.store.LoadHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	keysFirst, rest := splitItemsKeys(stored)
	quarantined := 0
	open := func(ps []models.Payload) []models.Payload {
		out := make([]models.Payload, 0, len(ps))
		for _, p := range ps {
			dec, err := m.keys.DecryptPayload(p)
			if err != nil {
				m.log.Warn(ctx, "payload quarantined on load", "uuid", p.UUID, "error", err)
				quarantined++
				out = append(out, p.Quarantined())
				continue
			}
			out = append(out, dec)
		}
		return out
	}

	m.col.Apply(collection.SourceLoad, open(keysFirst), nil)
	m.col.Apply(collection.SourceLoad, open(rest), nil)
	m.hist.Load(entries)
	m.dirty.Rebuild(stored)

	m.log.Info(ctx, "items loaded", "payloads", len(stored), "history", len(entries), "quarantined", quarantined)
	return quarantined, nil
}

func splitItemsKeys(ps []models.Payload) (itemsKeys, rest []models.Payload) {
	for _, p := range ps {
		if p.ContentType == models.ContentTypeItemsKey {
			itemsKeys = append(itemsKeys, p)
		} else {
			rest = append(rest, p)
		}
	}
	return itemsKeys, rest
}

type createOptions struct {
	vaultID string
}

type CreateOption func(*createOptions)

// InVault creates the item inside the vault with the given system
// identifier.
func InVault(vaultID string) CreateOption {
	return func(o *createOptions) { o.vaultID = vaultID }
}

// Create saves a new item holding c.
func (m *Manager) Create(ctx context.Context, c models.Content, opts ...CreateOption) (*models.Item, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := m.keys.WaitRotation(ctx, o.vaultID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := models.NewPayload(c, m.now())
	p.KeySystemIdentifier = o.vaultID
	ch, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: []models.Payload{p}})
	if err != nil {
		return nil, err
	}
	return ch.Inserted[0], nil
}

// CreateItemsKey generates a new default ItemsKey and saves it.
func (m *Manager) CreateItemsKey(ctx context.Context) (*models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.keys.CreateItemsKey(m.now())
	ch, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: []models.Payload{p}})
	if err != nil {
		return nil, err
	}
	return ch.Inserted[0], nil
}

// Change replaces the content of uuid with what fn returns.
func (m *Manager) Change(ctx context.Context, uuid string, fn func(models.Content) (models.Content, error)) (*models.Item, error) {
	return m.Update(ctx, uuid, func(p models.Payload) (models.Payload, error) {
		c, err := fn(p.Content)
		if err != nil {
			return models.Payload{}, err
		}
		if c == nil || c.ContentType() != p.ContentType {
			return models.Payload{}, fmt.Errorf("change %s: content type must stay %s: %w", uuid, p.ContentType, common.ErrValidation)
		}
		return p.WithContent(c), nil
	})
}

// Update replaces the current payload of uuid with what fn returns, marked
// dirty. fn receives a copy of the decrypted current payload.
func (m *Manager) Update(ctx context.Context, uuid string, fn func(models.Payload) (models.Payload, error)) (*models.Item, error) {
	before, err := m.live(uuid)
	if err != nil {
		return nil, err
	}
	if err := m.keys.WaitRotation(ctx, before.KeySystemIdentifier()); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.live(uuid)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur.Payload())
	if err != nil {
		return nil, err
	}
	if next.KeySystemIdentifier != cur.KeySystemIdentifier() {
		return nil, fmt.Errorf("update %s: use Move to change vaults: %w", uuid, common.ErrValidation)
	}
	next.UUID = uuid
	next = next.Dirtied(m.now())

	ch, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: []models.Payload{next}})
	if err != nil {
		return nil, err
	}
	return ch.Updated[0], nil
}

// Move re-homes uuid into vaultID, or back to the account when vaultID is
// empty. The payload is re-encrypted under the destination's key on save.
func (m *Manager) Move(ctx context.Context, uuid, vaultID string) (*models.Item, error) {
	before, err := m.live(uuid)
	if err != nil {
		return nil, err
	}
	for _, id := range []string{before.KeySystemIdentifier(), vaultID} {
		if err := m.keys.WaitRotation(ctx, id); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.live(uuid)
	if err != nil {
		return nil, err
	}
	if cur.KeySystemIdentifier() == vaultID {
		return cur, nil
	}
	next := cur.Payload()
	next.KeySystemIdentifier = vaultID
	next = next.Dirtied(m.now())

	ch, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: []models.Payload{next}})
	if err != nil {
		return nil, err
	}
	return ch.Updated[0], nil
}

func (m *Manager) live(uuid string) (*models.Item, error) {
	it, ok := m.col.Find(uuid)
	if !ok || it.Deleted() {
		return nil, fmt.Errorf("item %s: %w", uuid, common.ErrorNotFound)
	}
	if it.ErrorDecrypting() {
		return nil, fmt.Errorf("item %s: %w", uuid, common.ErrDecryptionFailed)
	}
	return it, nil
}

// Delete replaces uuid with a dirty tombstone. The tombstone is purged once
// the server acknowledges it.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	it, ok := m.col.Find(uuid)
	if !ok || it.Deleted() {
		return fmt.Errorf("item %s: %w", uuid, common.ErrorNotFound)
	}
	if err := m.keys.WaitRotation(ctx, it.KeySystemIdentifier()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok = m.col.Find(uuid)
	if !ok || it.Deleted() {
		return fmt.Errorf("item %s: %w", uuid, common.ErrorNotFound)
	}
	_, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: []models.Payload{it.Payload().Tombstone(m.now())}})
	return err
}

// Forget removes vaultID's items from this device only. No tombstones are
// created, so other parties keep their copies. It returns how many items
// were dropped.
func (m *Manager) Forget(ctx context.Context, vaultID string) (int, error) {
	if vaultID == "" {
		return 0, fmt.Errorf("forget account items: %w", common.ErrValidation)
	}
	if err := m.keys.WaitRotation(ctx, vaultID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var gone []string
	for _, it := range m.col.All() {
		if it.KeySystemIdentifier() == vaultID {
			gone = append(gone, it.UUID())
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if _, err := m.commit(ctx, collection.SourceLocal, commitSet{discards: gone}); err != nil {
		return 0, err
	}
	return len(gone), nil
}

// ReencryptVault moves every live payload of vaultID that is not yet under
// key onto it. The prior revisions go to history under their old key.
func (m *Manager) ReencryptVault(ctx context.Context, vaultID string, key keys.VaultKey) (int, error) {
	if err := m.keys.WaitRotation(ctx, vaultID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var moved []models.Payload
	for _, it := range m.col.All() {
		if it.KeySystemIdentifier() != vaultID || it.Deleted() || it.ErrorDecrypting() {
			continue
		}
		if it.EncItemKeyRef() == key.UUID {
			continue
		}
		p := it.Payload()
		p.Dirty = true
		p.DirtiedAt = now
		moved = append(moved, p)
	}
	if len(moved) == 0 {
		return 0, nil
	}
	if _, err := m.commit(ctx, collection.SourceLocal, commitSet{puts: moved}); err != nil {
		return 0, err
	}
	m.log.Info(ctx, "vault re-encrypted", "vault", vaultID, "epoch", key.Epoch, "items", len(moved))
	return len(moved), nil
}

// commitSet is one atomic change to the item store.
type commitSet struct {
	// puts replace their uuid's current revision, which goes to history.
	puts []models.Payload
	// advances replace the current revision without a history entry.
	advances []models.Payload
	// discards remove their uuid; a live prior revision goes to history.
	discards []string
	meta     map[string][]byte
}

// commit records history for replaced and discarded revisions, persists
// everything encrypted in one batch, then applies it to the collection.
// Callers hold m.mu.
func (m *Manager) commit(ctx context.Context, src collection.Source, cs commitSet) (collection.Change, error) {
	var b storage.Batch
	for k, v := range cs.meta {
		b.SetMeta(k, v)
	}

	now := m.now()
	record := func(uuid string) error {
		prior, ok := m.col.Find(uuid)
		if !ok || prior.Deleted() {
			return nil
		}
		sealed, err := m.seal(prior.Payload())
		if err != nil {
			return fmt.Errorf("seal history: %w", err)
		}
		entry, dropped := m.hist.Record(sealed, now)
		b.History = append(b.History, entry)
		b.DeleteHistory = append(b.DeleteHistory, dropped...)
		return nil
	}

	applied := make([]models.Payload, 0, len(cs.puts)+len(cs.advances))
	stage := func(p models.Payload) error {
		sealed, err := m.seal(p)
		if err != nil {
			return err
		}
		b.Payloads = append(b.Payloads, sealed)
		if !p.IsEncrypted() {
			p.EncItemKeyRef = sealed.EncItemKeyRef
			p.KeyEpoch = sealed.KeyEpoch
		}
		applied = append(applied, p)
		return nil
	}
	for _, p := range cs.puts {
		if err := record(p.UUID); err != nil {
			return collection.Change{}, err
		}
		if err := stage(p); err != nil {
			return collection.Change{}, err
		}
	}
	for _, p := range cs.advances {
		if err := stage(p); err != nil {
			return collection.Change{}, err
		}
	}
	for _, uuid := range cs.discards {
		if err := record(uuid); err != nil {
			return collection.Change{}, err
		}
		b.DeletePayloads = append(b.DeletePayloads, uuid)
	}

	if err := ctx.Err(); err != nil {
		return collection.Change{}, err
	}
	if err := m.store.Commit(ctx, b); err != nil {
		return collection.Change{}, fmt.Errorf("commit: %w", err)
	}

	for _, p := range applied {
		if p.Dirty {
			m.dirty.MarkDirty(p.UUID, p.DirtiedAt)
		} else {
			m.dirty.ClearDirty(p.UUID)
		}
	}
	for _, uuid := range cs.discards {
		m.dirty.ClearDirty(uuid)
	}
	return m.col.Apply(src, applied, cs.discards), nil
}

// seal returns the form of p that is persisted and pushed. Dirty payloads
// are encrypted under the key currently chosen for them, clean ones under
// the key they arrived with.
func (m *Manager) seal(p models.Payload) (models.Payload, error) {
	if p.Deleted || p.IsEncrypted() || p.Content == nil {
		return p.Clone(), nil
	}
	if p.Dirty || p.EncItemKeyRef == "" {
		return m.keys.EncryptPayload(p)
	}
	sealed, err := m.keys.EncryptWithRef(p, p.EncItemKeyRef)
	if errors.Is(err, common.ErrKeyNotFound) {
		return m.keys.EncryptPayload(p)
	}
	return sealed, err
}

// Seal encrypts p the way it would be persisted. The sync engine uses it
// to build push requests.
func (m *Manager) Seal(p models.Payload) (models.Payload, error) {
	return m.seal(p)
}

// DirtyPayloads returns copies of every dirty payload, ordered by uuid.
func (m *Manager) DirtyPayloads() []models.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Payload
	for _, uuid := range m.dirty.UUIDs() {
		if it, ok := m.col.Find(uuid); ok && it.Dirty() {
			out = append(out, it.Payload())
		}
	}
	return out
}

// Snapshot returns copies of the current payloads of uuids that exist.
func (m *Manager) Snapshot(uuids []string) map[string]models.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(uuids)
}

func (m *Manager) snapshot(uuids []string) map[string]models.Payload {
	out := make(map[string]models.Payload, len(uuids))
	for _, uuid := range uuids {
		if it, ok := m.col.Find(uuid); ok {
			out[uuid] = it.Payload()
		}
	}
	return out
}

// History returns the decrypted prior revisions of uuid, oldest first.
// Revisions whose key is gone are returned quarantined.
func (m *Manager) History(uuid string) []models.Payload {
	var out []models.Payload
	for e := range m.hist.Entries(uuid) {
		p, err := m.keys.DecryptPayload(e.Payload)
		if err != nil {
			p = e.Payload.Quarantined()
		}
		out = append(out, p)
	}
	return out
}

// KeyRefs counts references to every encryption key from current payloads,
// quarantined ciphertext and history.
func (m *Manager) KeyRefs() map[string]int {
	refs := m.hist.KeyRefs()
	for _, it := range m.col.All() {
		if ref := it.EncItemKeyRef(); ref != "" {
			refs[ref]++
		}
	}
	return refs
}

// RetryDecryption tries again to open quarantined payloads, typically after
// a missing key arrived. It returns how many were recovered.
func (m *Manager) RetryDecryption(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered []models.Payload
	var stored []models.Payload
	for _, it := range m.col.All() {
		if !it.ErrorDecrypting() {
			continue
		}
		p := it.Payload()
		p.ErrorDecrypting = false
		dec, err := m.keys.DecryptPayload(p)
		if err != nil {
			continue
		}
		recovered = append(recovered, dec)
		stored = append(stored, p)
	}
	if len(recovered) == 0 {
		return 0, nil
	}
	redundant := m.redundantCopies(recovered)

	// Ciphertext is unchanged, so persist it as is rather than re-encrypt.
	if err := m.store.Commit(ctx, storage.Batch{Payloads: stored, DeletePayloads: redundant}); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	for _, uuid := range redundant {
		m.dirty.ClearDirty(uuid)
	}
	m.col.Apply(collection.SourceLocal, recovered, redundant)
	m.log.Info(ctx, "quarantined payloads recovered", "count", len(recovered), "redundant_copies", len(redundant))
	return len(recovered), nil
}

// redundantCopies finds local edits that were moved aside for an unreadable
// remote revision, never pushed, and turned out to hold the same content
// as the recovered revision. Copies with different content are conflicts
// and stay.
func (m *Manager) redundantCopies(recovered []models.Payload) []string {
	byUUID := make(map[string]models.Payload, len(recovered))
	for _, p := range recovered {
		byUUID[p.UUID] = p
	}
	var out []string
	for _, it := range m.col.All() {
		p := it.Payload()
		orig, ok := byUUID[p.DuplicateOf]
		if !ok || !p.Dirty || !p.ServerUpdatedAt.IsZero() || p.Deleted {
			continue
		}
		if orig.KeySystemIdentifier == p.KeySystemIdentifier && models.ContentEqual(orig.Content, p.Content) {
			out = append(out, p.UUID)
		}
	}
	return out
}

// vaultsOf lists the vaults touched by payloads and uuids.
func (m *Manager) vaultsOf(payloads []models.Payload, uuids []string) []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, p := range payloads {
		add(p.KeySystemIdentifier)
		uuids = append(uuids, p.UUID)
	}
	for _, uuid := range uuids {
		if it, ok := m.col.Find(uuid); ok {
			add(it.KeySystemIdentifier())
		}
	}
	return out
}

func (m *Manager) DirtyCount() int {
	return m.dirty.Count()
}
