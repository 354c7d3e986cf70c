package repomanager

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/items"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/messages"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/users"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/vaults"
	"github.com/google/uuid"
)

// InMemoryRepositoryManager keeps all server state in process. A
// transaction works on a copy that replaces the state on commit, so
// transactions are serialized.
type InMemoryRepositoryManager struct {
	mu   sync.Mutex
	data *memData
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{data: newMemData()}
}

func (m *InMemoryRepositoryManager) RunMigrations(context.Context) error {
	return nil
}

func (m *InMemoryRepositoryManager) Repos() Repositories {
	return memRepos{m: m}
}

func (m *InMemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.data.clone()
	if err := fn(ctx, memRepos{m: m, tx: tx}); err != nil {
		return err
	}
	m.data = tx
	return nil
}

func (m *InMemoryRepositoryManager) Close() error {
	return nil
}

type memData struct {
	users    map[string]models.User
	logins   map[string]string
	tokens   map[string]models.RefreshToken
	items    map[string]models.Item
	version  int64
	vaults   map[string]models.SharedVault
	members  map[string]map[string]models.VaultMember
	messages map[string]models.Message
	keys     map[string]models.PublicKeys
}

func newMemData() *memData {
	return &memData{
		users:    make(map[string]models.User),
		logins:   make(map[string]string),
		tokens:   make(map[string]models.RefreshToken),
		items:    make(map[string]models.Item),
		vaults:   make(map[string]models.SharedVault),
		members:  make(map[string]map[string]models.VaultMember),
		messages: make(map[string]models.Message),
		keys:     make(map[string]models.PublicKeys),
	}
}

// clone copies the maps. Stored values are never mutated in place, so the
// values themselves can be shared.
func (d *memData) clone() *memData {
	c := &memData{
		users:    maps.Clone(d.users),
		logins:   maps.Clone(d.logins),
		tokens:   maps.Clone(d.tokens),
		items:    maps.Clone(d.items),
		version:  d.version,
		vaults:   maps.Clone(d.vaults),
		members:  make(map[string]map[string]models.VaultMember, len(d.members)),
		messages: maps.Clone(d.messages),
		keys:     maps.Clone(d.keys),
	}
	for id, ms := range d.members {
		c.members[id] = maps.Clone(ms)
	}
	return c
}

type memRepos struct {
	m  *InMemoryRepositoryManager
	tx *memData
}

func (r memRepos) do(fn func(d *memData) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return fn(r.m.data)
}

func (r memRepos) Users() users.Repository                 { return memUsers{r} }
func (r memRepos) RefreshTokens() refreshtokens.Repository { return memTokens{r} }
func (r memRepos) Items() items.Repository                 { return memItems{r} }
func (r memRepos) Vaults() vaults.Repository               { return memVaults{r} }
func (r memRepos) Messages() messages.Repository           { return memMessages{r} }
func (r memRepos) PublicKeys() publickeys.Repository       { return memKeys{r} }

type memUsers struct{ memRepos }

func (r memUsers) Create(_ context.Context, user *models.User) (*models.User, error) {
	err := r.do(func(d *memData) error {
		if _, ok := d.logins[user.UserName]; ok {
			return users.ErrUserExists
		}
		user.ID = uuid.NewString()
		user.CreatedAt = time.Now()
		stored := *user
		stored.Salt = common.CloneBytes(user.Salt)
		stored.Verifier = common.CloneBytes(user.Verifier)
		d.users[user.ID] = stored
		d.logins[user.UserName] = user.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r memUsers) GetByUserName(_ context.Context, login string) (*models.User, error) {
	var out *models.User
	err := r.do(func(d *memData) error {
		id, ok := d.logins[login]
		if !ok {
			return common.ErrorNotFound
		}
		u := d.users[id]
		out = &u
		return nil
	})
	return out, err
}

func (r memUsers) Exists(_ context.Context, id string) (bool, error) {
	var ok bool
	err := r.do(func(d *memData) error {
		_, ok = d.users[id]
		return nil
	})
	return ok, err
}

type memTokens struct{ memRepos }

func (r memTokens) Create(_ context.Context, userID string, token string, expiresAt time.Time) error {
	return r.do(func(d *memData) error {
		d.tokens[token] = models.RefreshToken{Token: token, UserID: userID, ExpiresAt: expiresAt, CreatedAt: time.Now()}
		return nil
	})
}

func (r memTokens) Find(_ context.Context, token string) (*models.RefreshToken, error) {
	var out *models.RefreshToken
	err := r.do(func(d *memData) error {
		t, ok := d.tokens[token]
		if !ok {
			return common.ErrorNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (r memTokens) Delete(_ context.Context, token string) error {
	return r.do(func(d *memData) error {
		delete(d.tokens, token)
		return nil
	})
}

func (r memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.do(func(d *memData) error {
		for k, t := range d.tokens {
			if t.Expired(now) {
				delete(d.tokens, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

type memItems struct{ memRepos }

func (r memItems) Get(_ context.Context, id string) (*models.Item, error) {
	var out *models.Item
	err := r.do(func(d *memData) error {
		it, ok := d.items[id]
		if !ok {
			return common.ErrorNotFound
		}
		it.Data = common.CloneBytes(it.Data)
		out = &it
		return nil
	})
	return out, err
}

func (r memItems) Put(_ context.Context, item *models.Item) error {
	return r.do(func(d *memData) error {
		stored := *item
		if prev, ok := d.items[item.UUID]; ok {
			stored.UserID = prev.UserID
		}
		stored.Data = common.CloneBytes(item.Data)
		d.items[item.UUID] = stored
		return nil
	})
}

func (r memItems) NextVersion(context.Context) (int64, error) {
	var v int64
	err := r.do(func(d *memData) error {
		d.version++
		v = d.version
		return nil
	})
	return v, err
}

func (r memItems) ListVisible(_ context.Context, userID string, afterVersion int64, afterUUID string, limit int) ([]*models.Item, error) {
	var out []*models.Item
	err := r.do(func(d *memData) error {
		for _, it := range d.items {
			if it.Version < afterVersion || (it.Version == afterVersion && it.UUID <= afterUUID) {
				continue
			}
			if !d.visible(it, userID) {
				continue
			}
			it.Data = common.CloneBytes(it.Data)
			out = append(out, &it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *models.Item) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), cmp.Compare(a.UUID, b.UUID))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *memData) visible(it models.Item, userID string) bool {
	if _, shared := d.vaults[it.VaultID]; shared {
		_, member := d.members[it.VaultID][userID]
		return member
	}
	return it.UserID == userID
}

func (r memItems) Restamp(_ context.Context, vaultID string, version int64) (int64, error) {
	var n int64
	err := r.do(func(d *memData) error {
		for id, it := range d.items {
			if it.VaultID == vaultID {
				it.Version = version
				d.items[id] = it
				n++
			}
		}
		return nil
	})
	return n, err
}

type memVaults struct{ memRepos }

func (r memVaults) Create(_ context.Context, v *models.SharedVault) error {
	return r.do(func(d *memData) error {
		if _, ok := d.vaults[v.ID]; ok {
			return vaults.ErrVaultExists
		}
		d.vaults[v.ID] = *v
		d.members[v.ID] = make(map[string]models.VaultMember)
		return nil
	})
}

func (r memVaults) Get(_ context.Context, id string) (*models.SharedVault, error) {
	var out *models.SharedVault
	err := r.do(func(d *memData) error {
		v, ok := d.vaults[id]
		if !ok {
			return common.ErrorNotFound
		}
		out = &v
		return nil
	})
	return out, err
}

func (r memVaults) PutMember(_ context.Context, m models.VaultMember) error {
	return r.do(func(d *memData) error {
		ms, ok := d.members[m.VaultID]
		if !ok {
			return common.ErrorNotFound
		}
		ms[m.UserID] = m
		return nil
	})
}

func (r memVaults) RemoveMember(_ context.Context, vaultID, userID string) error {
	return r.do(func(d *memData) error {
		delete(d.members[vaultID], userID)
		return nil
	})
}

func (r memVaults) Member(_ context.Context, vaultID, userID string) (*models.VaultMember, error) {
	var out *models.VaultMember
	err := r.do(func(d *memData) error {
		m, ok := d.members[vaultID][userID]
		if !ok {
			return common.ErrorNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (r memVaults) Members(_ context.Context, vaultID string) ([]models.VaultMember, error) {
	var out []models.VaultMember
	err := r.do(func(d *memData) error {
		for _, m := range d.members[vaultID] {
			out = append(out, m)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b models.VaultMember) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, err
}

type memMessages struct{ memRepos }

func (r memMessages) Create(_ context.Context, m *models.Message) error {
	return r.do(func(d *memData) error {
		if _, ok := d.messages[m.ID]; ok {
			return nil
		}
		stored := *m
		stored.Data = common.CloneBytes(m.Data)
		d.messages[m.ID] = stored
		return nil
	})
}

func (r memMessages) ListForRecipient(_ context.Context, recipientID string) ([]*models.Message, error) {
	var out []*models.Message
	err := r.do(func(d *memData) error {
		for _, m := range d.messages {
			if m.RecipientID == recipientID {
				m.Data = common.CloneBytes(m.Data)
				out = append(out, &m)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *models.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, err
}

func (r memMessages) Delete(_ context.Context, recipientID, id string) error {
	return r.do(func(d *memData) error {
		if m, ok := d.messages[id]; ok && m.RecipientID == recipientID {
			delete(d.messages, id)
		}
		return nil
	})
}

type memKeys struct{ memRepos }

func (r memKeys) Put(_ context.Context, k models.PublicKeys) error {
	return r.do(func(d *memData) error {
		k.EncPublic = common.CloneBytes(k.EncPublic)
		k.SignPublic = common.CloneBytes(k.SignPublic)
		d.keys[k.UserID] = k
		return nil
	})
}

func (r memKeys) Get(_ context.Context, userID string) (*models.PublicKeys, error) {
	var out *models.PublicKeys
	err := r.do(func(d *memData) error {
		k, ok := d.keys[userID]
		if !ok {
			return common.ErrorNotFound
		}
		out = &k
		return nil
	})
	return out, err
}
