// Package session ties the components of one signed-in party together.
// A Session owns its collection, key system, item manager, vaults, invites,
// message processor and sync engine; nothing is global, so several
// sessions can run side by side in one process.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/asymmetric"
	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/contacts"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/dirty"
	"github.com/dmitrijs2005/gophnotes/internal/history"
	"github.com/dmitrijs2005/gophnotes/internal/invites"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/metrics"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/predicate"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/syncer"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"github.com/dmitrijs2005/gophnotes/internal/vaults"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

const (
	metaAccount         = "account"
	metaKeysUnpublished = "keys:unpublished"
	saltSize            = 16
	checkPlaintext      = "gophnotes root key"
)

type Config struct {
	UserUUID string `validate:"required"`
	UserName string `validate:"max=64"`
	// Name labels this session's metrics.
	Name              string
	TombstoneGrace    time.Duration `validate:"min=0"`
	HistoryMaxPerItem int           `validate:"min=0"`
	InviteTTL         time.Duration `validate:"min=0"`
	// RotationAckTimeout is how long a rotation waits before its laggards
	// are reported. Giving up on them is always an explicit call.
	RotationAckTimeout time.Duration `validate:"min=0"`
	PageSize           int           `validate:"min=0"`
}

// Deps are the capabilities a session runs on.
type Deps struct {
	Store     storage.Store
	Transport transport.Transport
	Notifier  transport.Notifier
	Crypto    cryptox.Crypto
	Logger    logging.Logger
	Now       func() time.Time
}

var validate = validator.New()

// account is the unencrypted record that lets a password be checked and
// the root key re-derived.
type account struct {
	UserUUID   string `json:"user_uuid"`
	Salt       []byte `json:"salt"`
	CheckCT    []byte `json:"check_ct"`
	CheckNonce []byte `json:"check_nonce"`
}

type Session struct {
	cfg      Config
	store    storage.Store
	tr       transport.Transport
	notifier transport.Notifier
	crypto   cryptox.Crypto
	log      logging.Logger
	now      func() time.Time

	col      *collection.Collection
	dirty    *dirty.Tracker
	hist     *history.Store
	keys     *keys.System
	items    *items.Manager
	contacts *contacts.Book
	messages *asymmetric.Processor
	vaults   *vaults.Manager
	invites  *invites.Protocol
	engine   *syncer.Engine

	unobserve func()

	mu       sync.Mutex
	unlocked bool
	closed   bool
}

// Open assembles a locked session. Register, SignIn or Unlock must be
// called before items can be read or written.
func Open(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrValidation, err)
	}
	if deps.Store == nil || deps.Transport == nil {
		return nil, fmt.Errorf("%w: store and transport are required", common.ErrValidation)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	c := deps.Crypto
	if c == nil {
		c = cryptox.New()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.UserUUID
	}
	log := logging.OrNop(deps.Logger).With("session", name)

	s := &Session{
		cfg:      cfg,
		store:    deps.Store,
		tr:       deps.Transport,
		notifier: deps.Notifier,
		crypto:   c,
		log:      log.With("module", "session"),
		now:      now,
		col:      collection.New(),
		dirty:    dirty.New(dirty.WithGauge(metrics.DirtyItems.WithLabelValues(name))),
		hist:     history.New(history.Policy{MaxPerItem: cfg.HistoryMaxPerItem}),
	}
	s.keys = keys.New(keys.Options{Store: deps.Store, Crypto: c, Logger: log, Now: now})
	s.unobserve = s.col.Observe(s.keys.TrackItemsKeys)
	s.items = items.New(items.Options{
		Collection: s.col,
		Dirty:      s.dirty,
		History:    s.hist,
		Keys:       s.keys,
		Store:      deps.Store,
		Logger:     log,
		Now:        now,
	})
	s.contacts = contacts.New(s.items, s.col, log)
	s.messages = asymmetric.New(asymmetric.Options{
		UserUUID:  cfg.UserUUID,
		Keys:      s.keys,
		Contacts:  s.contacts,
		Transport: deps.Transport,
		Crypto:    c,
		Store:     deps.Store,
		Logger:    log,
		Now:       now,
	})
	s.vaults = vaults.New(vaults.Options{
		UserUUID:   cfg.UserUUID,
		Items:      s.items,
		Collection: s.col,
		Keys:       s.keys,
		Transport:  deps.Transport,
		Messages:   s.messages,
		Logger:     log,
	})
	s.invites = invites.New(invites.Options{
		UserUUID: cfg.UserUUID,
		UserName: cfg.UserName,
		Vaults:   s.vaults,
		Keys:     s.keys,
		Contacts: s.contacts,
		Messages: s.messages,
		Store:    deps.Store,
		TTL:      cfg.InviteTTL,
		Logger:   log,
		Now:      now,
	})
	s.engine = syncer.New(syncer.Options{
		Items:     s.items,
		Keys:      s.keys,
		Transport: deps.Transport,
		Store:     deps.Store,
		Logger:    log,
		Now:       now,
		Grace:     cfg.TombstoneGrace,
		PageSize:  cfg.PageSize,
	})

	s.log.Debug(ctx, "session opened", "user", cfg.UserUUID)
	return s, nil
}

func (s *Session) UserUUID() string { return s.cfg.UserUUID }

func (s *Session) loadAccount(ctx context.Context) (*account, error) {
	raw, err := s.store.GetMeta(ctx, metaAccount)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	var a account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: decode account: %v", common.ErrRootKeyUnavailable, err)
	}
	return &a, nil
}

// begin derives the root key from password and salt and records the
// account locally. It fails if this store already holds an account.
func (s *Session) begin(ctx context.Context, password, salt []byte) error {
	existing, err := s.loadAccount(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("account %s: %w", existing.UserUUID, common.ErrAlreadyExists)
	}
	if len(salt) == 0 {
		salt = common.GenerateRandByteArray(saltSize)
	}

	root := s.crypto.DeriveKey(password, salt)
	defer common.WipeByteArray(root)
	ct, nonce, err := s.crypto.Encrypt(root, []byte(checkPlaintext), []byte(s.cfg.UserUUID))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRootKeyUnavailable, err)
	}
	if err := s.keys.SetRootKey(root); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRootKeyUnavailable, err)
	}
	blob, err := json.Marshal(account{UserUUID: s.cfg.UserUUID, Salt: salt, CheckCT: ct, CheckNonce: nonce})
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	var b storage.Batch
	b.SetMeta(metaAccount, blob)
	if err := s.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	return nil
}

// Register sets up a new account on this device: root key, first
// ItemsKey, key pairs and the self contact. Publishing the public keys is
// retried on the next Sync if the server is unreachable.
func (s *Session) Register(ctx context.Context, password, salt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, password, salt); err != nil {
		return err
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	if _, err := s.items.CreateItemsKey(ctx); err != nil {
		return err
	}
	kp, err := s.crypto.GenerateKeyPairs()
	if err != nil {
		return fmt.Errorf("generate key pairs: %w", err)
	}
	if err := s.keys.SetKeyPairs(ctx, kp); err != nil {
		return err
	}
	if _, err := s.contacts.TrustSelf(ctx, s.cfg.UserUUID, kp.Public()); err != nil {
		return err
	}
	var b storage.Batch
	b.SetMeta(metaKeysUnpublished, []byte("1"))
	if err := s.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	s.unlocked = true
	s.log.Info(ctx, "account registered")

	if err := s.publishKeys(ctx); err != nil {
		if !errors.Is(err, common.ErrNetwork) {
			return err
		}
		s.log.Warn(ctx, "public keys not published yet", "error", err)
	}
	return nil
}

// SignIn sets up an existing account on a new device. The password and
// the account salt reproduce the root key, so the account's ItemsKeys
// arrive readable with the first Sync. Key pairs stay on the device that
// registered, so this device cannot exchange messages.
func (s *Session) SignIn(ctx context.Context, password, salt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(salt) == 0 {
		return fmt.Errorf("%w: sign in needs the account salt", common.ErrValidation)
	}
	if err := s.begin(ctx, password, salt); err != nil {
		return err
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	s.unlocked = true
	s.log.Info(ctx, "signed in on new device")
	return nil
}

// Unlock re-derives the root key of the account stored on this device.
// A wrong password or unreadable key material fails with
// common.ErrRootKeyUnavailable.
func (s *Session) Unlock(ctx context.Context, password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.loadAccount(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: no account on this device", common.ErrRootKeyUnavailable)
	}
	if a.UserUUID != s.cfg.UserUUID {
		return fmt.Errorf("%w: store belongs to %s", common.ErrRootKeyUnavailable, a.UserUUID)
	}

	root := s.crypto.DeriveKey(password, a.Salt)
	defer common.WipeByteArray(root)
	if _, err := s.crypto.Decrypt(root, a.CheckCT, a.CheckNonce, []byte(a.UserUUID)); err != nil {
		return fmt.Errorf("%w: wrong password", common.ErrRootKeyUnavailable)
	}
	if err := s.keys.SetRootKey(root); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRootKeyUnavailable, err)
	}
	if err := s.load(ctx); err != nil {
		return err
	}
	s.unlocked = true
	s.log.Info(ctx, "session unlocked", "items", s.col.Len(), "dirty", s.dirty.Count())
	return nil
}

func (s *Session) load(ctx context.Context) error {
	if err := s.keys.Load(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRootKeyUnavailable, err)
	}
	if _, err := s.items.Load(ctx); err != nil {
		return err
	}
	return s.invites.Load(ctx)
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session closed", common.ErrRootKeyUnavailable)
	}
	if !s.unlocked {
		return fmt.Errorf("%w: session locked", common.ErrRootKeyUnavailable)
	}
	return nil
}

// publishKeys sends the public keys to the server if a previous attempt
// did not get through.
func (s *Session) publishKeys(ctx context.Context) error {
	if _, err := s.store.GetMeta(ctx, metaKeysUnpublished); errors.Is(err, common.ErrorNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	kp, err := s.keys.KeyPairs()
	if err != nil {
		return err
	}
	if err := s.tr.PublishPublicKeys(ctx, kp.Public()); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	return s.store.Commit(ctx, storage.Batch{DeleteMeta: []string{metaKeysUnpublished}})
}

// CreateItem saves a new item in the account.
func (s *Session) CreateItem(ctx context.Context, c models.Content) (*models.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.items.Create(ctx, c)
}

// CreateItemInVault saves a new item in a vault we may write to.
func (s *Session) CreateItemInVault(ctx context.Context, vaultID string, c models.Content) (*models.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	v, ok := s.vaults.Vault(vaultID)
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", vaultID, common.ErrorNotFound)
	}
	if err := s.canWrite(v); err != nil {
		return nil, err
	}
	return s.items.Create(ctx, c, items.InVault(vaultID))
}

// ChangeItem replaces an item's content with what fn returns.
func (s *Session) ChangeItem(ctx context.Context, uuid string, fn func(models.Content) (models.Content, error)) (*models.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.writable(uuid); err != nil {
		return nil, err
	}
	return s.items.Change(ctx, uuid, fn)
}

// DeleteItem tombstones an item.
func (s *Session) DeleteItem(ctx context.Context, uuid string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.writable(uuid); err != nil {
		return err
	}
	return s.items.Delete(ctx, uuid)
}

// writable rejects changes to items of vaults shared read-only with us.
func (s *Session) writable(uuid string) error {
	it, ok := s.col.Find(uuid)
	if !ok || !it.InVault() {
		return nil
	}
	v, ok := s.vaults.Vault(it.KeySystemIdentifier())
	if !ok {
		return nil
	}
	return s.canWrite(v)
}

func (s *Session) canWrite(v models.Vault) error {
	if perm, ok := v.PermissionFor(s.cfg.UserUUID); !ok || !perm.CanWrite() {
		return fmt.Errorf("vault %s: %w", v.SystemIdentifier, common.ErrPermissionDenied)
	}
	return nil
}

func (s *Session) Item(uuid string) (*models.Item, bool) {
	it, ok := s.col.Find(uuid)
	if !ok || it.Deleted() {
		return nil, false
	}
	return it, true
}

// Query yields the live items matching p; a nil p matches everything.
func (s *Session) Query(p predicate.Predicate, opts ...collection.QueryOption) iter.Seq[*models.Item] {
	return s.col.Query(p, opts...)
}

// History returns the prior revisions of an item, oldest first.
func (s *Session) History(uuid string) []models.Payload {
	return s.items.History(uuid)
}

// Sync runs one push/pull cycle, then purges retired keys nothing refers
// to any more.
func (s *Session) Sync(ctx context.Context) (syncer.Result, error) {
	if err := s.ready(); err != nil {
		return syncer.Result{}, err
	}
	if err := s.publishKeys(ctx); err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		return syncer.Result{}, err
	}
	res, err := s.engine.Sync(ctx)
	if err != nil {
		return res, err
	}
	if _, err := s.keys.PurgeEligible(ctx, s.items.KeyRefs()); err != nil {
		return res, err
	}
	return res, nil
}

// RetryDecryption tries again to open quarantined items.
func (s *Session) RetryDecryption(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.items.RetryDecryption(ctx)
}

// ProcessMessages applies waiting messages and expires stale invites.
// Rotations that outwaited RotationAckTimeout are logged but keep waiting
// until ProceedWithoutLaggards is called.
func (s *Session) ProcessMessages(ctx context.Context) (asymmetric.Report, error) {
	if err := s.ready(); err != nil {
		return asymmetric.Report{}, err
	}
	rep, err := s.messages.Process(ctx)
	if err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		return rep, err
	}
	if _, err := s.invites.ExpireStale(ctx, s.now()); err != nil {
		return rep, err
	}
	for vaultID, laggards := range s.StaleRotations() {
		s.log.Warn(ctx, "rotation still awaiting members", "vault", vaultID, "laggards", laggards)
	}
	return rep, nil
}

// StaleRotations maps each vault whose latest rotation has waited longer
// than RotationAckTimeout to the members that have not confirmed it.
func (s *Session) StaleRotations() map[string][]string {
	out := make(map[string][]string)
	if s.cfg.RotationAckTimeout <= 0 {
		return out
	}
	for _, v := range s.vaults.Vaults() {
		laggards := s.keys.Laggards(v.SystemIdentifier)
		if len(laggards) == 0 {
			continue
		}
		active, ok := s.keys.ActiveVaultKey(v.SystemIdentifier)
		if !ok || s.now().Sub(active.CreatedAt) < s.cfg.RotationAckTimeout {
			continue
		}
		out[v.SystemIdentifier] = laggards
	}
	return out
}

// ProceedWithoutLaggards stops waiting for rotation acknowledgements in
// vaultID and retires its superseded keys. Members that never confirmed
// lose access to content written under the old keys. It returns them.
func (s *Session) ProceedWithoutLaggards(ctx context.Context, vaultID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, ok := s.vaults.Vault(vaultID); !ok {
		return nil, fmt.Errorf("vault %s: %w", vaultID, common.ErrorNotFound)
	}
	return s.keys.ProceedWithoutLaggards(ctx, vaultID)
}

// AddContact looks up a user's published keys and trusts them.
func (s *Session) AddContact(ctx context.Context, userUUID, name string) (models.TrustedContactContent, error) {
	if err := s.ready(); err != nil {
		return models.TrustedContactContent{}, err
	}
	pk, err := s.tr.LookupPublicKeys(ctx, userUUID)
	if err != nil {
		return models.TrustedContactContent{}, fmt.Errorf("lookup keys of %s: %w", userUUID, err)
	}
	return s.contacts.Trust(ctx, userUUID, name, pk)
}

// RotateKeyPairs replaces this party's key pairs and tells its contacts.
func (s *Session) RotateKeyPairs(ctx context.Context) (cryptox.PublicKeys, error) {
	if err := s.ready(); err != nil {
		return cryptox.PublicKeys{}, err
	}
	return s.messages.RotateKeyPairs(ctx)
}

func (s *Session) Vaults() *vaults.Manager            { return s.vaults }
func (s *Session) Invites() *invites.Protocol         { return s.invites }
func (s *Session) Contacts() *contacts.Book           { return s.contacts }
func (s *Session) Keys() *keys.System                 { return s.keys }
func (s *Session) Collection() *collection.Collection { return s.col }
func (s *Session) DirtyCount() int                    { return s.dirty.Count() }

// Run syncs and processes messages every interval, and right away when
// the notifier reports server-side changes, until ctx ends.
func (s *Session) Run(ctx context.Context, interval time.Duration, b syncer.Backoff) error {
	if err := s.ready(); err != nil {
		return err
	}

	var changes <-chan struct{}
	if s.notifier != nil {
		ch, err := s.notifier.Changes(ctx)
		if err != nil {
			s.log.Warn(ctx, "change notifications unavailable", "error", err)
		} else {
			changes = ch
		}
	}

	wake := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.RunLoop(ctx, interval, b, wake)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case <-ticker.C:
			}
			if _, err := s.ProcessMessages(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn(ctx, "message processing failed", "error", err)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close locks the session and releases the store.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.unlocked = false
	s.unobserve()
	s.keys.Close()
	return s.store.Close()
}
