// Package transport defines what a session needs from the sync server.
// The grpcclient subpackage talks to a remote server, local wraps an
// in-process relay for tests and embedded use, and ws listens for change
// notifications.
package transport

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// Saved acknowledges one pushed payload.
type Saved struct {
	UUID            string    `json:"uuid"`
	ServerUpdatedAt time.Time `json:"server_updated_at"`
}

// Conflict reports a pushed payload the server refused because its base
// did not match the server's current revision. Server holds that revision,
// or nil when the caller may not read it.
type Conflict struct {
	UUID   string          `json:"uuid"`
	Reason string          `json:"reason"`
	Server *models.Payload `json:"server,omitempty"`
}

const (
	ReasonStaleBase        = "stale_base"
	ReasonPermissionDenied = "permission_denied"
)

type PushResult struct {
	Saved     []Saved    `json:"saved"`
	Conflicts []Conflict `json:"conflicts"`
}

type PullResult struct {
	Payloads []models.Payload `json:"payloads"`
	Cursor   string           `json:"cursor"`
	More     bool             `json:"more"`
}

// Transport is the sync server as seen by one authenticated user. Every
// method returns an error wrapping common.ErrNetwork when the server could
// not be reached.
type Transport interface {
	Push(ctx context.Context, payloads []models.Payload) (PushResult, error)
	Pull(ctx context.Context, cursor string, limit int) (PullResult, error)

	SendMessages(ctx context.Context, msgs []models.AsymmetricMessage) error
	FetchMessages(ctx context.Context) ([]models.AsymmetricMessage, error)
	AckMessages(ctx context.Context, ids []string) error

	CreateSharedVault(ctx context.Context, vaultID string) error
	AddSharedVaultMember(ctx context.Context, vaultID, userUUID string, perm models.Permission) error
	RemoveSharedVaultMember(ctx context.Context, vaultID, userUUID string) error

	PublishPublicKeys(ctx context.Context, keys cryptox.PublicKeys) error
	LookupPublicKeys(ctx context.Context, userUUID string) (cryptox.PublicKeys, error)
}

// Notifier signals that the server has new data for the user.
type Notifier interface {
	Changes(ctx context.Context) (<-chan struct{}, error)
}
