package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SyncServer is implemented by the server side of the service.
type SyncServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	GetSalt(context.Context, *GetSaltRequest) (*GetSaltResponse, error)
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	RefreshToken(context.Context, *RefreshTokenRequest) (*TokenResponse, error)
	Ping(context.Context, *Empty) (*PingResponse, error)

	Push(context.Context, *PushRequest) (*PushResponse, error)
	Pull(context.Context, *PullRequest) (*PullResponse, error)

	SendMessages(context.Context, *SendMessagesRequest) (*Empty, error)
	FetchMessages(context.Context, *Empty) (*FetchMessagesResponse, error)
	AckMessages(context.Context, *AckMessagesRequest) (*Empty, error)

	CreateSharedVault(context.Context, *CreateSharedVaultRequest) (*Empty, error)
	AddMember(context.Context, *AddMemberRequest) (*Empty, error)
	RemoveMember(context.Context, *RemoveMemberRequest) (*Empty, error)

	PublishKeys(context.Context, *PublishKeysRequest) (*Empty, error)
	LookupKeys(context.Context, *LookupKeysRequest) (*LookupKeysResponse, error)
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRegister, SyncServer.Register),
		unary(MethodGetSalt, SyncServer.GetSalt),
		unary(MethodLogin, SyncServer.Login),
		unary(MethodRefreshToken, SyncServer.RefreshToken),
		unary(MethodPing, SyncServer.Ping),
		unary(MethodPush, SyncServer.Push),
		unary(MethodPull, SyncServer.Pull),
		unary(MethodSendMessages, SyncServer.SendMessages),
		unary(MethodFetchMessages, SyncServer.FetchMessages),
		unary(MethodAckMessages, SyncServer.AckMessages),
		unary(MethodCreateSharedVault, SyncServer.CreateSharedVault),
		unary(MethodAddMember, SyncServer.AddMember),
		unary(MethodRemoveMember, SyncServer.RemoveMember),
		unary(MethodPublishKeys, SyncServer.PublishKeys),
		unary(MethodLookupKeys, SyncServer.LookupKeys),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gophnotes/sync.json",
}

// unary adapts a typed SyncServer method to a gRPC method handler. The
// interceptor chain sees the raw BytesValue request.
func unary[Req, Resp any](name string, call func(SyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				r := new(Req)
				if raw := req.(*wrapperspb.BytesValue).GetValue(); len(raw) > 0 {
					if err := json.Unmarshal(raw, r); err != nil {
						return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", name, err)
					}
				}
				resp, err := call(srv.(SyncServer), ctx, r)
				if err != nil {
					return nil, err
				}
				return Encode(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Encode wraps v as a JSON BytesValue.
func Encode(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// Decode unwraps a JSON BytesValue into v.
func Decode(b *wrapperspb.BytesValue, v any) error {
	if len(b.GetValue()) == 0 {
		return nil
	}
	return json.Unmarshal(b.GetValue(), v)
}
