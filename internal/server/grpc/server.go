// Package grpc exposes the sync services over gRPC.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/services"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"google.golang.org/grpc"
)

type userSvc interface {
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.User, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error)
	RefreshToken(ctx context.Context, refresh string) (*services.TokenPair, error)
	Authenticate(accessToken string) (string, error)
}

type syncSvc interface {
	Push(ctx context.Context, userID string, payloads []domain.Payload) (transport.PushResult, error)
	Pull(ctx context.Context, userID, cursor string, limit int) (transport.PullResult, error)
}

type vaultSvc interface {
	CreateSharedVault(ctx context.Context, userID, vaultID string) error
	AddMember(ctx context.Context, userID, vaultID, memberID string, perm domain.Permission) error
	RemoveMember(ctx context.Context, userID, vaultID, memberID string) error
}

type messageSvc interface {
	Send(ctx context.Context, userID string, msgs []domain.AsymmetricMessage) error
	Fetch(ctx context.Context, userID string) ([]domain.AsymmetricMessage, error)
	Ack(ctx context.Context, userID string, ids []string) error
	PublishKeys(ctx context.Context, userID string, k cryptox.PublicKeys) error
	LookupKeys(ctx context.Context, userID string) (cryptox.PublicKeys, error)
}

type GRPCServer struct {
	address  string
	users    userSvc
	sync     syncSvc
	vaults   vaultSvc
	messages messageSvc
	logger   logging.Logger
}

var _ api.SyncServer = (*GRPCServer)(nil)

func NewGRPCServer(a string, l logging.Logger, s *services.Services) *GRPCServer {
	return &GRPCServer{
		address:  a,
		logger:   logging.OrNop(l).With("module", "grpc_server"),
		users:    s.Users,
		sync:     s.Sync,
		vaults:   s.Vaults,
		messages: s.Messages,
	}
}

// Serve runs the server on listen until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.accessTokenInterceptor))
	api.RegisterSyncServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}
