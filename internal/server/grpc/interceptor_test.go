package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/api"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type tokenUsers struct {
	fakeUser
	secret []byte
}

func (u *tokenUsers) Authenticate(token string) (string, error) {
	return auth.GetUserIDFromToken(token, u.secret)
}

func newTokenServer(secret string) *GRPCServer {
	return newServer(&tokenUsers{secret: []byte(secret)}, nil, nil, nil)
}

func withToken(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(common.AccessTokenHeaderName, token))
}

func TestAccessTokenInterceptor(t *testing.T) {
	s := newTokenServer("secret")
	valid, err := auth.GenerateToken("user-123", []byte("secret"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		ctx      context.Context
		method   string
		wantCode codes.Code
		wantUser string
	}{
		{"public method without token", context.Background(), api.MethodLogin, codes.OK, ""},
		{"missing token", context.Background(), api.MethodPush, codes.Unauthenticated, ""},
		{"garbage token", withToken("not-a-valid-jwt"), api.MethodPush, codes.Unauthenticated, ""},
		{"valid token", withToken(valid), api.MethodPull, codes.OK, "user-123"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info := &grpc.UnaryServerInfo{FullMethod: api.FullMethod(tc.method)}
			called := false
			var gotUser string

			resp, err := s.accessTokenInterceptor(tc.ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
				called = true
				gotUser, _ = UserIDFromContext(ctx)
				return "ok", nil
			})

			assert.Equal(t, tc.wantCode, status.Code(err))
			assert.Equal(t, tc.wantCode == codes.OK, called)
			if tc.wantCode == codes.OK {
				assert.Equal(t, "ok", resp)
				assert.Equal(t, tc.wantUser, gotUser)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = UserIDFromContext(WithUserID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := UserIDFromContext(WithUserID(context.Background(), "u1"))
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestMetricsInterceptor_PassesThrough(t *testing.T) {
	s := newTokenServer("secret")
	info := &grpc.UnaryServerInfo{FullMethod: api.FullMethod(api.MethodPing)}

	resp, err := s.metricsInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = s.metricsInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "x")
	})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.metricsInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Internal, "boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}
