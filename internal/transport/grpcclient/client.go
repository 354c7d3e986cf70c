// Package grpcclient implements transport.Transport against a remote sync
// server. It keeps the session's tokens and refreshes an expired access
// token once per call.
package grpcclient

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const defaultCallTimeout = 30 * time.Second

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	client      *api.Client
	callTimeout time.Duration

	mu           sync.Mutex
	userID       string
	accessToken  string
	refreshToken string
}

var _ transport.Transport = (*GRPCClient)(nil)

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (s *GRPCClient) tokens() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	if api.Public(method) {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	access, refresh := s.tokens()
	err := invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)

	if err != nil {

		st, ok := status.FromError(err)
		if !ok {
			return err
		}

		if st.Code() != codes.Unauthenticated {
			return err
		}
		if st.Message() != common.ErrTokenExpired.Error() {
			return err
		}

		if refresh == "" {
			return err
		}

		if rerr := s.refresh(ctx, refresh); rerr != nil {
			return err
		}

		// tokens refreshed, retry with the new access token
		access, _ = s.tokens()
		return invoker(withAccessToken(ctx, access), method, req, reply, cc, opts...)

	}

	return nil
}

func (s *GRPCClient) refresh(ctx context.Context, refreshToken string) error {
	resp, err := s.client.RefreshToken(ctx, &api.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	s.SetTokens(resp.UserID, resp.AccessToken, resp.RefreshToken)
	return nil
}

// New connects lazily to endpointURL. Extra dial options are appended to
// the defaults.
func New(endpointURL string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, callTimeout: defaultCallTimeout}
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(endpointURL, dial...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.client = api.NewClient(conn)
	return c, nil
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

// SetTokens installs tokens obtained earlier, e.g. restored from disk.
func (s *GRPCClient) SetTokens(userID, accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.accessToken = accessToken
	s.refreshToken = refreshToken
}

// Tokens returns the current user id and token pair.
func (s *GRPCClient) Tokens() (userID, accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.accessToken, s.refreshToken
}

// AccessToken returns the current access token. It suits ws.TokenSource.
func (s *GRPCClient) AccessToken(context.Context) (string, error) {
	access, _ := s.tokens()
	if access == "" {
		return "", common.ErrorUnauthorized
	}
	return access, nil
}

func (s *GRPCClient) Register(ctx context.Context, userName string, salt, verifier []byte) (string, error) {
	resp, err := s.client.Register(ctx, &api.RegisterRequest{UserName: userName, Salt: salt, Verifier: verifier})
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

func (s *GRPCClient) GetSalt(ctx context.Context, userName string) ([]byte, error) {
	resp, err := s.client.GetSalt(ctx, &api.GetSaltRequest{UserName: userName})
	if err != nil {
		return nil, err
	}
	return resp.Salt, nil
}

// Login authenticates and keeps the issued tokens for later calls.
func (s *GRPCClient) Login(ctx context.Context, userName string, verifier []byte) (string, error) {
	resp, err := s.client.Login(ctx, &api.LoginRequest{UserName: userName, VerifierCandidate: verifier})
	if err != nil {
		return "", err
	}
	s.SetTokens(resp.UserID, resp.AccessToken, resp.RefreshToken)
	return resp.UserID, nil
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	resp, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if resp.Status != "OK" {
		return common.ErrNetwork
	}
	return nil
}

func (s *GRPCClient) Push(ctx context.Context, payloads []models.Payload) (transport.PushResult, error) {
	resp, err := s.client.Push(ctx, &api.PushRequest{Payloads: payloads})
	if err != nil {
		return transport.PushResult{}, err
	}
	return *resp, nil
}

func (s *GRPCClient) Pull(ctx context.Context, cursor string, limit int) (transport.PullResult, error) {
	resp, err := s.client.Pull(ctx, &api.PullRequest{Cursor: cursor, Limit: limit})
	if err != nil {
		return transport.PullResult{}, err
	}
	return *resp, nil
}

func (s *GRPCClient) SendMessages(ctx context.Context, msgs []models.AsymmetricMessage) error {
	return s.client.SendMessages(ctx, &api.SendMessagesRequest{Messages: msgs})
}

func (s *GRPCClient) FetchMessages(ctx context.Context) ([]models.AsymmetricMessage, error) {
	resp, err := s.client.FetchMessages(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (s *GRPCClient) AckMessages(ctx context.Context, ids []string) error {
	return s.client.AckMessages(ctx, &api.AckMessagesRequest{IDs: ids})
}

func (s *GRPCClient) CreateSharedVault(ctx context.Context, vaultID string) error {
	return s.client.CreateSharedVault(ctx, &api.CreateSharedVaultRequest{VaultID: vaultID})
}

func (s *GRPCClient) AddSharedVaultMember(ctx context.Context, vaultID, userUUID string, perm models.Permission) error {
	return s.client.AddMember(ctx, &api.AddMemberRequest{VaultID: vaultID, UserID: userUUID, Permission: perm})
}

func (s *GRPCClient) RemoveSharedVaultMember(ctx context.Context, vaultID, userUUID string) error {
	return s.client.RemoveMember(ctx, &api.RemoveMemberRequest{VaultID: vaultID, UserID: userUUID})
}

func (s *GRPCClient) PublishPublicKeys(ctx context.Context, keys cryptox.PublicKeys) error {
	return s.client.PublishKeys(ctx, &api.PublishKeysRequest{Keys: keys})
}

func (s *GRPCClient) LookupPublicKeys(ctx context.Context, userUUID string) (cryptox.PublicKeys, error) {
	resp, err := s.client.LookupKeys(ctx, &api.LookupKeysRequest{UserID: userUUID})
	if err != nil {
		return cryptox.PublicKeys{}, err
	}
	return resp.Keys, nil
}
