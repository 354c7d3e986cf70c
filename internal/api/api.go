// Package api is the wire contract between the sync server and its
// clients. Every RPC carries a JSON document inside a
// google.protobuf.BytesValue, so the service needs no generated code.
package api

import (
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
)

const ServiceName = "gophnotes.v1.SyncService"

const (
	MethodRegister          = "Register"
	MethodGetSalt           = "GetSalt"
	MethodLogin             = "Login"
	MethodRefreshToken      = "RefreshToken"
	MethodPing              = "Ping"
	MethodPush              = "Push"
	MethodPull              = "Pull"
	MethodSendMessages      = "SendMessages"
	MethodFetchMessages     = "FetchMessages"
	MethodAckMessages       = "AckMessages"
	MethodCreateSharedVault = "CreateSharedVault"
	MethodAddMember         = "AddMember"
	MethodRemoveMember      = "RemoveMember"
	MethodPublishKeys       = "PublishKeys"
	MethodLookupKeys        = "LookupKeys"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Public reports whether method may be called without an access token.
func Public(fullMethod string) bool {
	switch fullMethod {
	case FullMethod(MethodRegister), FullMethod(MethodGetSalt), FullMethod(MethodLogin),
		FullMethod(MethodRefreshToken), FullMethod(MethodPing):
		return true
	}
	return false
}

type Empty struct{}

type RegisterRequest struct {
	UserName string `json:"username"`
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type GetSaltRequest struct {
	UserName string `json:"username"`
}

type GetSaltResponse struct {
	Salt []byte `json:"salt"`
}

type LoginRequest struct {
	UserName          string `json:"username"`
	VerifierCandidate []byte `json:"verifier_candidate"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type PingResponse struct {
	Status string `json:"status"`
}

type PushRequest struct {
	Payloads []models.Payload `json:"payloads"`
}

type PullRequest struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

type (
	PushResponse = transport.PushResult
	PullResponse = transport.PullResult
)

type SendMessagesRequest struct {
	Messages []models.AsymmetricMessage `json:"messages"`
}

type FetchMessagesResponse struct {
	Messages []models.AsymmetricMessage `json:"messages"`
}

type AckMessagesRequest struct {
	IDs []string `json:"ids"`
}

type CreateSharedVaultRequest struct {
	VaultID string `json:"vault_id"`
}

type AddMemberRequest struct {
	VaultID    string            `json:"vault_id"`
	UserID     string            `json:"user_id"`
	Permission models.Permission `json:"permission"`
}

type RemoveMemberRequest struct {
	VaultID string `json:"vault_id"`
	UserID  string `json:"user_id"`
}

type PublishKeysRequest struct {
	Keys cryptox.PublicKeys `json:"keys"`
}

type LookupKeysRequest struct {
	UserID string `json:"user_id"`
}

type LookupKeysResponse struct {
	Keys cryptox.PublicKeys `json:"keys"`
}
