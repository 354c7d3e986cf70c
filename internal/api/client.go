package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the sync service over conn. Errors are translated back to
// the common sentinels with FromStatus.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, FullMethod(method), wrapperspb.Bytes(data), out, opts...); err != nil {
		return FromStatus(err)
	}
	if resp == nil {
		return nil
	}
	if err := Decode(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, req *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	return resp, c.call(ctx, MethodRegister, req, resp, opts...)
}

func (c *Client) GetSalt(ctx context.Context, req *GetSaltRequest, opts ...grpc.CallOption) (*GetSaltResponse, error) {
	resp := new(GetSaltResponse)
	return resp, c.call(ctx, MethodGetSalt, req, resp, opts...)
}

func (c *Client) Login(ctx context.Context, req *LoginRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	resp := new(TokenResponse)
	return resp, c.call(ctx, MethodLogin, req, resp, opts...)
}

func (c *Client) RefreshToken(ctx context.Context, req *RefreshTokenRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	resp := new(TokenResponse)
	return resp, c.call(ctx, MethodRefreshToken, req, resp, opts...)
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) (*PingResponse, error) {
	resp := new(PingResponse)
	return resp, c.call(ctx, MethodPing, &Empty{}, resp, opts...)
}

func (c *Client) Push(ctx context.Context, req *PushRequest, opts ...grpc.CallOption) (*PushResponse, error) {
	resp := new(PushResponse)
	return resp, c.call(ctx, MethodPush, req, resp, opts...)
}

func (c *Client) Pull(ctx context.Context, req *PullRequest, opts ...grpc.CallOption) (*PullResponse, error) {
	resp := new(PullResponse)
	return resp, c.call(ctx, MethodPull, req, resp, opts...)
}

func (c *Client) SendMessages(ctx context.Context, req *SendMessagesRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodSendMessages, req, nil, opts...)
}

func (c *Client) FetchMessages(ctx context.Context, opts ...grpc.CallOption) (*FetchMessagesResponse, error) {
	resp := new(FetchMessagesResponse)
	return resp, c.call(ctx, MethodFetchMessages, &Empty{}, resp, opts...)
}

func (c *Client) AckMessages(ctx context.Context, req *AckMessagesRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodAckMessages, req, nil, opts...)
}

func (c *Client) CreateSharedVault(ctx context.Context, req *CreateSharedVaultRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodCreateSharedVault, req, nil, opts...)
}

func (c *Client) AddMember(ctx context.Context, req *AddMemberRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodAddMember, req, nil, opts...)
}

func (c *Client) RemoveMember(ctx context.Context, req *RemoveMemberRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodRemoveMember, req, nil, opts...)
}

func (c *Client) PublishKeys(ctx context.Context, req *PublishKeysRequest, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodPublishKeys, req, nil, opts...)
}

func (c *Client) LookupKeys(ctx context.Context, req *LookupKeysRequest, opts ...grpc.CallOption) (*LookupKeysResponse, error) {
	resp := new(LookupKeysResponse)
	return resp, c.call(ctx, MethodLookupKeys, req, resp, opts...)
}
