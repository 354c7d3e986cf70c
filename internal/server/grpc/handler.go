package grpc

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fail logs internal errors and converts err to a status.
func (s *GRPCServer) fail(ctx context.Context, method string, err error) error {
	if api.Code(err) == codes.Internal {
		s.logger.Error(ctx, "request failed", "method", method, "error", err)
	} else {
		s.logger.Debug(ctx, "request refused", "method", method, "error", err)
	}
	return api.ToStatus(err)
}

func (s *GRPCServer) userID(ctx context.Context) (string, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "unauthenticated")
	}
	return id, nil
}

func (s *GRPCServer) Register(ctx context.Context, req *api.RegisterRequest) (*api.RegisterResponse, error) {

	s.logger.Info(ctx, "Registration request")

	result, err := s.users.Register(ctx, req.UserName, req.Salt, req.Verifier)

	if err != nil {
		return nil, s.fail(ctx, api.MethodRegister, err)
	}

	s.logger.Info(ctx, "Registered", "username", req.UserName)
	return &api.RegisterResponse{UserID: result.ID}, nil

}

func (s *GRPCServer) GetSalt(ctx context.Context, req *api.GetSaltRequest) (*api.GetSaltResponse, error) {

	result, err := s.users.GetSalt(ctx, req.UserName)

	if err != nil {
		return nil, s.fail(ctx, api.MethodGetSalt, err)
	}

	return &api.GetSaltResponse{Salt: result}, nil

}

func (s *GRPCServer) Login(ctx context.Context, req *api.LoginRequest) (*api.TokenResponse, error) {

	tokens, err := s.users.Login(ctx, req.UserName, req.VerifierCandidate)

	if err != nil {
		return nil, s.fail(ctx, api.MethodLogin, err)
	}

	return &api.TokenResponse{UserID: tokens.UserID, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil

}

func (s *GRPCServer) RefreshToken(ctx context.Context, req *api.RefreshTokenRequest) (*api.TokenResponse, error) {

	tokens, err := s.users.RefreshToken(ctx, req.RefreshToken)

	if err != nil {
		return nil, s.fail(ctx, api.MethodRefreshToken, err)
	}

	return &api.TokenResponse{UserID: tokens.UserID, AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}, nil

}

func (s *GRPCServer) Ping(ctx context.Context, _ *api.Empty) (*api.PingResponse, error) {

	return &api.PingResponse{Status: "OK"}, nil

}

func (s *GRPCServer) Push(ctx context.Context, req *api.PushRequest) (*api.PushResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Push(ctx, userID, req.Payloads)
	if err != nil {
		return nil, s.fail(ctx, api.MethodPush, err)
	}
	return &res, nil
}

func (s *GRPCServer) Pull(ctx context.Context, req *api.PullRequest) (*api.PullResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.sync.Pull(ctx, userID, req.Cursor, req.Limit)
	if err != nil {
		return nil, s.fail(ctx, api.MethodPull, err)
	}
	return &res, nil
}

func (s *GRPCServer) SendMessages(ctx context.Context, req *api.SendMessagesRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.messages.Send(ctx, userID, req.Messages); err != nil {
		return nil, s.fail(ctx, api.MethodSendMessages, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) FetchMessages(ctx context.Context, _ *api.Empty) (*api.FetchMessagesResponse, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.Fetch(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, api.MethodFetchMessages, err)
	}
	return &api.FetchMessagesResponse{Messages: msgs}, nil
}

func (s *GRPCServer) AckMessages(ctx context.Context, req *api.AckMessagesRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.messages.Ack(ctx, userID, req.IDs); err != nil {
		return nil, s.fail(ctx, api.MethodAckMessages, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) CreateSharedVault(ctx context.Context, req *api.CreateSharedVaultRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vaults.CreateSharedVault(ctx, userID, req.VaultID); err != nil {
		return nil, s.fail(ctx, api.MethodCreateSharedVault, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) AddMember(ctx context.Context, req *api.AddMemberRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vaults.AddMember(ctx, userID, req.VaultID, req.UserID, req.Permission); err != nil {
		return nil, s.fail(ctx, api.MethodAddMember, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) RemoveMember(ctx context.Context, req *api.RemoveMemberRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.vaults.RemoveMember(ctx, userID, req.VaultID, req.UserID); err != nil {
		return nil, s.fail(ctx, api.MethodRemoveMember, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) PublishKeys(ctx context.Context, req *api.PublishKeysRequest) (*api.Empty, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.messages.PublishKeys(ctx, userID, req.Keys); err != nil {
		return nil, s.fail(ctx, api.MethodPublishKeys, err)
	}
	return &api.Empty{}, nil
}

func (s *GRPCServer) LookupKeys(ctx context.Context, req *api.LookupKeysRequest) (*api.LookupKeysResponse, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	keys, err := s.messages.LookupKeys(ctx, req.UserID)
	if err != nil {
		return nil, s.fail(ctx, api.MethodLookupKeys, err)
	}
	return &api.LookupKeysResponse{Keys: keys}, nil
}
