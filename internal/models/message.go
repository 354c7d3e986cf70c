package models

import "time"

type MessageType string

const (
	MessageKeyRotation       MessageType = "key_rotation"
	MessageKeyRotationAck    MessageType = "key_rotation_ack"
	MessageInviteResponse    MessageType = "invite_response"
	MessageSharedVaultInvite MessageType = "shared_vault_invite"
	MessageContactKeyUpdate  MessageType = "contact_key_update"
)

// AsymmetricMessage is a sealed, signed message between two parties. The
// relay only sees the routing fields.
type AsymmetricMessage struct {
	UUID            string    `json:"uuid"`
	SenderUUID      string    `json:"sender_uuid"`
	RecipientUUID   string    `json:"recipient_uuid"`
	SenderEncPublic []byte    `json:"sender_enc_public"`
	Nonce           []byte    `json:"nonce"`
	Ciphertext      []byte    `json:"ciphertext"`
	CreatedAt       time.Time `json:"created_at"`
}
