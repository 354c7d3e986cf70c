package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/auth"
	"github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/server/services"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	gs "github.com/dmitrijs2005/gophnotes/internal/server/grpc"
)

const verifier = "verifier-0123456789"

func startServer(t *testing.T) (*config.Config, func() *GRPCClient) {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	svc := services.New(repomanager.NewInMemoryRepositoryManager(), cfg, nil, nil, nil)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = gs.NewGRPCServer("bufconn", nil, svc).Serve(ctx, lis) }()

	return cfg, func() *GRPCClient {
		c, err := New("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
}

func login(t *testing.T, c *GRPCClient, name string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Register(ctx, name, make([]byte, 16), []byte(verifier)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	id, err := c.Login(ctx, name, []byte(verifier))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return id
}

func TestClient_PushPull(t *testing.T) {
	_, dial := startServer(t)
	c := dial()
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	login(t, c, "alice")

	p := models.Payload{UUID: "n1", ContentType: models.ContentTypeNote, EncContent: []byte("ct"), Version: common.ProtocolVersion}
	res, err := c.Push(ctx, []models.Payload{p})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(res.Saved) != 1 {
		t.Fatalf("Push saved: %+v", res)
	}

	page, err := c.Pull(ctx, "", 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(page.Payloads) != 1 || page.Payloads[0].UUID != "n1" || page.More {
		t.Fatalf("Pull: %+v", page)
	}
}

func TestClient_WithoutLoginIsUnauthorized(t *testing.T) {
	_, dial := startServer(t)
	c := dial()

	_, err := c.Pull(context.Background(), "", 10)
	if !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("want ErrorUnauthorized, got %v", err)
	}
	if _, err := c.AccessToken(context.Background()); !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("AccessToken without login: %v", err)
	}
}

func TestClient_RefreshesExpiredAccessToken(t *testing.T) {
	cfg, dial := startServer(t)
	c := dial()
	id := login(t, c, "alice")
	_, _, refresh := c.Tokens()

	expired, err := auth.GenerateToken(id, []byte(cfg.SecretKey), -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	c.SetTokens(id, expired, refresh)

	if _, err := c.Pull(context.Background(), "", 10); err != nil {
		t.Fatalf("Pull with expired token: %v", err)
	}
	_, access, newRefresh := c.Tokens()
	if access == expired || newRefresh == refresh {
		t.Fatal("tokens were not refreshed")
	}
}

func TestClient_MessagesVaultsKeys(t *testing.T) {
	_, dial := startServer(t)
	ctx := context.Background()
	alice := dial()
	bob := dial()
	aliceID := login(t, alice, "alice")
	bobID := login(t, bob, "bob")

	keys := cryptox.PublicKeys{Enc: []byte("enc"), Sign: []byte("sign")}
	if err := bob.PublishPublicKeys(ctx, keys); err != nil {
		t.Fatalf("PublishPublicKeys: %v", err)
	}
	got, err := alice.LookupPublicKeys(ctx, bobID)
	if err != nil || string(got.Enc) != "enc" {
		t.Fatalf("LookupPublicKeys: %+v, %v", got, err)
	}

	msg := models.AsymmetricMessage{UUID: "m1", SenderUUID: aliceID, RecipientUUID: bobID, Ciphertext: []byte("x")}
	if err := alice.SendMessages(ctx, []models.AsymmetricMessage{msg}); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}
	inbox, err := bob.FetchMessages(ctx)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("FetchMessages: %+v, %v", inbox, err)
	}
	if err := bob.AckMessages(ctx, []string{"m1"}); err != nil {
		t.Fatalf("AckMessages: %v", err)
	}

	if err := alice.CreateSharedVault(ctx, "v1"); err != nil {
		t.Fatalf("CreateSharedVault: %v", err)
	}
	if err := bob.AddSharedVaultMember(ctx, "v1", bobID, models.PermissionAdmin); !errors.Is(err, common.ErrPermissionDenied) {
		t.Fatalf("AddSharedVaultMember as non-admin: %v", err)
	}
	if err := alice.AddSharedVaultMember(ctx, "v1", bobID, models.PermissionWrite); err != nil {
		t.Fatalf("AddSharedVaultMember: %v", err)
	}
	if err := bob.RemoveSharedVaultMember(ctx, "v1", bobID); err != nil {
		t.Fatalf("RemoveSharedVaultMember self: %v", err)
	}
}

func TestClient_UnreachableServerIsNetworkError(t *testing.T) {
	c, err := New("passthrough:///unreachable", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); !errors.Is(err, common.ErrNetwork) {
		t.Fatalf("want ErrNetwork, got %v", err)
	}
}
