package models

import "time"

type InviteStatus string

const (
	InviteCreated  InviteStatus = "created"
	InviteSent     InviteStatus = "sent"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
	InviteExpired  InviteStatus = "expired"
	InviteRevoked  InviteStatus = "revoked"
)

// Terminal reports whether no further transition is possible.
func (s InviteStatus) Terminal() bool {
	switch s {
	case InviteAccepted, InviteDeclined, InviteExpired, InviteRevoked:
		return true
	}
	return false
}

type InviteRole string

const (
	InviteOutbound InviteRole = "outbound"
	InviteInbound  InviteRole = "inbound"
)

// SharedVaultInvite is kept by both sides. Message holds the sealed vault key
// sent to the invitee once the invite leaves Created.
type SharedVaultInvite struct {
	UUID                  string             `json:"uuid"`
	Role                  InviteRole         `json:"role"`
	InviterUUID           string             `json:"inviter_uuid"`
	InviteeUUID           string             `json:"invitee_uuid"`
	VaultSystemIdentifier string             `json:"vault_system_identifier"`
	Permission            Permission         `json:"permission"`
	KeyEpoch              int                `json:"key_epoch"`
	Status                InviteStatus       `json:"status"`
	Message               *AsymmetricMessage `json:"message,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	ExpiresAt             time.Time          `json:"expires_at"`
}
