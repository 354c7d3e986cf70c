package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

func newServices() *services.Services {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	return services.New(repomanager.NewInMemoryRepositoryManager(), cfg, nil, nil, nil)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer(lis.Addr().String(), nil, newServices())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	select {
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestRun_BadAddress(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:99999", nil, newServices())
	assert.Error(t, srv.Run(context.Background()))
}

func dialBuffered(t *testing.T, svc *services.Services) *api.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewGRPCServer("bufconn", nil, svc)
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewClient(conn)
}

func TestServer_EndToEnd(t *testing.T) {
	c := dialBuffered(t, newServices())
	ctx := context.Background()
	verifier := []byte("verifier-0123456789")

	_, err := c.Ping(ctx)
	require.NoError(t, err)

	reg, err := c.Register(ctx, &api.RegisterRequest{UserName: "alice", Salt: make([]byte, 16), Verifier: verifier})
	require.NoError(t, err)
	_, err = c.Register(ctx, &api.RegisterRequest{UserName: "alice", Salt: make([]byte, 16), Verifier: verifier})
	require.ErrorIs(t, err, common.ErrAlreadyExists)

	_, err = c.Login(ctx, &api.LoginRequest{UserName: "alice", VerifierCandidate: []byte("nope")})
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	tokens, err := c.Login(ctx, &api.LoginRequest{UserName: "alice", VerifierCandidate: verifier})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, tokens.UserID)

	_, err = c.Pull(ctx, &api.PullRequest{})
	require.ErrorIs(t, err, common.ErrorUnauthorized, "pull needs a token")

	authed := metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, tokens.AccessToken)
	p := domain.Payload{UUID: "n1", ContentType: domain.ContentTypeNote, EncContent: []byte("ct"), Version: common.ProtocolVersion}
	pushed, err := c.Push(authed, &api.PushRequest{Payloads: []domain.Payload{p}})
	require.NoError(t, err)
	require.Len(t, pushed.Saved, 1)
	assert.Equal(t, "n1", pushed.Saved[0].UUID)

	pulled, err := c.Pull(authed, &api.PullRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, pulled.Payloads, 1)
	assert.True(t, pulled.Payloads[0].ServerUpdatedAt.Equal(pushed.Saved[0].ServerUpdatedAt))

	_, err = c.Pull(authed, &api.PullRequest{Cursor: "bogus"})
	assert.ErrorIs(t, err, common.ErrValidation)

	err = c.AddMember(authed, &api.AddMemberRequest{VaultID: "v", UserID: reg.UserID, Permission: domain.PermissionRead})
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}
