package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/services"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ---- fakes ----

type fakeUser struct {
	refreshResp *services.TokenPair
	refreshErr  error

	regResp *models.User
	regErr  error

	saltResp []byte
	saltErr  error

	loginResp *services.TokenPair
	loginErr  error
}

func (f *fakeUser) RefreshToken(ctx context.Context, refresh string) (*services.TokenPair, error) {
	return f.refreshResp, f.refreshErr
}
func (f *fakeUser) Register(ctx context.Context, username string, salt []byte, verifier []byte) (*models.User, error) {
	return f.regResp, f.regErr
}
func (f *fakeUser) GetSalt(ctx context.Context, username string) ([]byte, error) {
	return f.saltResp, f.saltErr
}
func (f *fakeUser) Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error) {
	return f.loginResp, f.loginErr
}
func (f *fakeUser) Authenticate(string) (string, error) { return "", common.ErrInvalidToken }

type fakeSync struct {
	gotUser   string
	gotCursor string
	push      transport.PushResult
	pull      transport.PullResult
	err       error
}

func (f *fakeSync) Push(ctx context.Context, userID string, payloads []domain.Payload) (transport.PushResult, error) {
	f.gotUser = userID
	return f.push, f.err
}
func (f *fakeSync) Pull(ctx context.Context, userID, cursor string, limit int) (transport.PullResult, error) {
	f.gotUser, f.gotCursor = userID, cursor
	return f.pull, f.err
}

type fakeVaults struct {
	calls []string
	err   error
}

func (f *fakeVaults) CreateSharedVault(ctx context.Context, userID, vaultID string) error {
	f.calls = append(f.calls, "create:"+userID+":"+vaultID)
	return f.err
}
func (f *fakeVaults) AddMember(ctx context.Context, userID, vaultID, memberID string, perm domain.Permission) error {
	f.calls = append(f.calls, "add:"+userID+":"+vaultID+":"+memberID+":"+string(perm))
	return f.err
}
func (f *fakeVaults) RemoveMember(ctx context.Context, userID, vaultID, memberID string) error {
	f.calls = append(f.calls, "remove:"+userID+":"+vaultID+":"+memberID)
	return f.err
}

type fakeMessages struct {
	sent  []domain.AsymmetricMessage
	acked []string
	keys  cryptox.PublicKeys
	err   error
}

func (f *fakeMessages) Send(ctx context.Context, userID string, msgs []domain.AsymmetricMessage) error {
	f.sent = append(f.sent, msgs...)
	return f.err
}
func (f *fakeMessages) Fetch(ctx context.Context, userID string) ([]domain.AsymmetricMessage, error) {
	return f.sent, f.err
}
func (f *fakeMessages) Ack(ctx context.Context, userID string, ids []string) error {
	f.acked = append(f.acked, ids...)
	return f.err
}
func (f *fakeMessages) PublishKeys(ctx context.Context, userID string, k cryptox.PublicKeys) error {
	f.keys = k
	return f.err
}
func (f *fakeMessages) LookupKeys(ctx context.Context, userID string) (cryptox.PublicKeys, error) {
	return f.keys, f.err
}

// ---- helpers ----

func newServer(u userSvc, s syncSvc, v vaultSvc, m messageSvc) *GRPCServer {
	return &GRPCServer{
		address:  "127.0.0.1:0",
		users:    u,
		sync:     s,
		vaults:   v,
		messages: m,
		logger:   logging.NewNop(),
	}
}

func authed(userID string) context.Context {
	return WithUserID(context.Background(), userID)
}

// ---- tests ----

func TestPing_OK(t *testing.T) {
	s := newServer(&fakeUser{}, nil, nil, nil)
	resp, err := s.Ping(context.Background(), &api.Empty{})
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if resp.Status != "OK" {
		t.Fatalf("unexpected status: %q", resp.Status)
	}
}

func TestRefreshToken_OK(t *testing.T) {
	u := &fakeUser{
		refreshResp: &services.TokenPair{UserID: "u1", AccessToken: "a", RefreshToken: "r"},
	}
	s := newServer(u, nil, nil, nil)
	resp, err := s.RefreshToken(context.Background(), &api.RefreshTokenRequest{RefreshToken: "r0"})
	if err != nil {
		t.Fatalf("RefreshToken error: %v", err)
	}
	if resp.AccessToken != "a" || resp.RefreshToken != "r" || resp.UserID != "u1" {
		t.Fatalf("unexpected tokens: %+v", resp)
	}
}

func TestRefreshToken_Expired(t *testing.T) {
	s := newServer(&fakeUser{refreshErr: common.ErrTokenExpired}, nil, nil, nil)
	_, err := s.RefreshToken(context.Background(), &api.RefreshTokenRequest{RefreshToken: "r0"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestRegister_OK(t *testing.T) {
	s := newServer(&fakeUser{regResp: &models.User{ID: "id-1"}}, nil, nil, nil)
	resp, err := s.Register(context.Background(), &api.RegisterRequest{UserName: "bob"})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if resp.UserID != "id-1" {
		t.Fatalf("unexpected user id: %q", resp.UserID)
	}
}

func TestRegister_InternalErrorHidesDetails(t *testing.T) {
	s := newServer(&fakeUser{regErr: errors.New("db down at 10.0.0.1")}, nil, nil, nil)
	_, err := s.Register(context.Background(), &api.RegisterRequest{UserName: "bob"})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if status.Convert(err).Message() != "internal error" {
		t.Fatalf("internal details leaked: %q", status.Convert(err).Message())
	}
}

func TestGetSalt_OK(t *testing.T) {
	s := newServer(&fakeUser{saltResp: []byte{1, 2, 3}}, nil, nil, nil)
	resp, err := s.GetSalt(context.Background(), &api.GetSaltRequest{UserName: "bob"})
	if err != nil {
		t.Fatalf("GetSalt error: %v", err)
	}
	if string(resp.Salt) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected salt: %v", resp.Salt)
	}
}

func TestLogin_Unauthorized(t *testing.T) {
	s := newServer(&fakeUser{loginErr: common.ErrorUnauthorized}, nil, nil, nil)
	_, err := s.Login(context.Background(), &api.LoginRequest{UserName: "bob"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestPush_RequiresUser(t *testing.T) {
	s := newServer(&fakeUser{}, &fakeSync{}, nil, nil)
	_, err := s.Push(context.Background(), &api.PushRequest{})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestPushPull_PassUserFromContext(t *testing.T) {
	fs := &fakeSync{
		push: transport.PushResult{Saved: []transport.Saved{{UUID: "n1"}}},
		pull: transport.PullResult{Cursor: "3:n1"},
	}
	s := newServer(&fakeUser{}, fs, nil, nil)

	pushed, err := s.Push(authed("u1"), &api.PushRequest{Payloads: []domain.Payload{{UUID: "n1"}}})
	if err != nil {
		t.Fatalf("Push error: %v", err)
	}
	if fs.gotUser != "u1" || len(pushed.Saved) != 1 {
		t.Fatalf("unexpected push: user=%q res=%+v", fs.gotUser, pushed)
	}

	pulled, err := s.Pull(authed("u2"), &api.PullRequest{Cursor: "2:a"})
	if err != nil {
		t.Fatalf("Pull error: %v", err)
	}
	if fs.gotUser != "u2" || fs.gotCursor != "2:a" || pulled.Cursor != "3:n1" {
		t.Fatalf("unexpected pull: user=%q cursor=%q res=%+v", fs.gotUser, fs.gotCursor, pulled)
	}
}

func TestVaultHandlers(t *testing.T) {
	fv := &fakeVaults{}
	s := newServer(&fakeUser{}, nil, fv, nil)
	ctx := authed("u1")

	if _, err := s.CreateSharedVault(ctx, &api.CreateSharedVaultRequest{VaultID: "v"}); err != nil {
		t.Fatalf("CreateSharedVault: %v", err)
	}
	if _, err := s.AddMember(ctx, &api.AddMemberRequest{VaultID: "v", UserID: "u2", Permission: domain.PermissionWrite}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if _, err := s.RemoveMember(ctx, &api.RemoveMemberRequest{VaultID: "v", UserID: "u2"}); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	want := []string{"create:u1:v", "add:u1:v:u2:write", "remove:u1:v:u2"}
	if len(fv.calls) != len(want) {
		t.Fatalf("calls: got %v want %v", fv.calls, want)
	}
	for i := range want {
		if fv.calls[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, fv.calls[i], want[i])
		}
	}

	fv.err = common.ErrPermissionDenied
	_, err := s.AddMember(ctx, &api.AddMemberRequest{VaultID: "v", UserID: "u3", Permission: domain.PermissionRead})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestMessageHandlers(t *testing.T) {
	fm := &fakeMessages{}
	s := newServer(&fakeUser{}, nil, nil, fm)
	ctx := authed("u1")

	msg := domain.AsymmetricMessage{UUID: "m1", SenderUUID: "u1", RecipientUUID: "u2"}
	if _, err := s.SendMessages(ctx, &api.SendMessagesRequest{Messages: []domain.AsymmetricMessage{msg}}); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}
	got, err := s.FetchMessages(ctx, &api.Empty{})
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].UUID != "m1" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if _, err := s.AckMessages(ctx, &api.AckMessagesRequest{IDs: []string{"m1"}}); err != nil {
		t.Fatalf("AckMessages: %v", err)
	}
	if len(fm.acked) != 1 {
		t.Fatalf("ack not forwarded: %v", fm.acked)
	}

	keys := cryptox.PublicKeys{Enc: []byte("e"), Sign: []byte("s")}
	if _, err := s.PublishKeys(ctx, &api.PublishKeysRequest{Keys: keys}); err != nil {
		t.Fatalf("PublishKeys: %v", err)
	}
	looked, err := s.LookupKeys(ctx, &api.LookupKeysRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("LookupKeys: %v", err)
	}
	if string(looked.Keys.Enc) != "e" || string(looked.Keys.Sign) != "s" {
		t.Fatalf("unexpected keys: %+v", looked.Keys)
	}

	fm.err = common.ErrorNotFound
	if _, err := s.LookupKeys(ctx, &api.LookupKeysRequest{UserID: "nobody"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
