// Package local connects sessions to an in-process sync server. It backs
// tests and single-process setups; the services are the same ones the
// gRPC endpoint serves.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/server/services"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
)

// Server is an in-memory sync server with change notification.
type Server struct {
	Services *services.Services

	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func NewServer(l logging.Logger) *Server {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	s := &Server{subs: make(map[string][]chan struct{})}
	s.Services = services.New(repomanager.NewInMemoryRepositoryManager(), cfg, nil, s, l)
	return s
}

// Register creates an account and returns its user id.
func (s *Server) Register(ctx context.Context, userName string) (string, error) {
	salt := common.GenerateRandByteArray(16)
	verifier := common.GenerateRandByteArray(32)
	u, err := s.Services.Users.Register(ctx, userName, salt, verifier)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// Notify implements services.Notifier.
func (s *Server) Notify(userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		for _, ch := range s.subs[id] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Server) subscribe(ctx context.Context, userID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[userID] = append(s.subs[userID], ch)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[userID]
		for i, c := range list {
			if c == ch {
				s.subs[userID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	})
	return ch
}

// Connect returns a transport acting as userID.
func (s *Server) Connect(userID string) *Transport {
	return &Transport{srv: s, userID: userID}
}

// Transport is one user's view of a Server. It can be switched offline to
// simulate network failures.
type Transport struct {
	srv     *Server
	userID  string
	offline atomic.Bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Notifier  = (*Transport)(nil)
)

func (t *Transport) UserID() string { return t.userID }

// SetOffline makes every call fail with common.ErrNetwork while on is true.
func (t *Transport) SetOffline(on bool) { t.offline.Store(on) }

func (t *Transport) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.offline.Load() {
		return fmt.Errorf("%w: offline", common.ErrNetwork)
	}
	return nil
}

func (t *Transport) Push(ctx context.Context, payloads []models.Payload) (transport.PushResult, error) {
	if err := t.check(ctx); err != nil {
		return transport.PushResult{}, err
	}
	return t.srv.Services.Sync.Push(ctx, t.userID, payloads)
}

func (t *Transport) Pull(ctx context.Context, cursor string, limit int) (transport.PullResult, error) {
	if err := t.check(ctx); err != nil {
		return transport.PullResult{}, err
	}
	return t.srv.Services.Sync.Pull(ctx, t.userID, cursor, limit)
}

func (t *Transport) SendMessages(ctx context.Context, msgs []models.AsymmetricMessage) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Messages.Send(ctx, t.userID, msgs)
}

func (t *Transport) FetchMessages(ctx context.Context) ([]models.AsymmetricMessage, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.srv.Services.Messages.Fetch(ctx, t.userID)
}

func (t *Transport) AckMessages(ctx context.Context, ids []string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Messages.Ack(ctx, t.userID, ids)
}

func (t *Transport) CreateSharedVault(ctx context.Context, vaultID string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Vaults.CreateSharedVault(ctx, t.userID, vaultID)
}

func (t *Transport) AddSharedVaultMember(ctx context.Context, vaultID, userUUID string, perm models.Permission) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Vaults.AddMember(ctx, t.userID, vaultID, userUUID, perm)
}

func (t *Transport) RemoveSharedVaultMember(ctx context.Context, vaultID, userUUID string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Vaults.RemoveMember(ctx, t.userID, vaultID, userUUID)
}

func (t *Transport) PublishPublicKeys(ctx context.Context, keys cryptox.PublicKeys) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	return t.srv.Services.Messages.PublishKeys(ctx, t.userID, keys)
}

func (t *Transport) LookupPublicKeys(ctx context.Context, userUUID string) (cryptox.PublicKeys, error) {
	if err := t.check(ctx); err != nil {
		return cryptox.PublicKeys{}, err
	}
	return t.srv.Services.Messages.LookupKeys(ctx, userUUID)
}

// Changes delivers the server's notifications for this user until ctx
// ends. The channel is never closed.
func (t *Transport) Changes(ctx context.Context) (<-chan struct{}, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.srv.subscribe(ctx, t.userID), nil
}
