package asymmetric

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// body is the sealed part of a message.
type body struct {
	Type      models.MessageType `json:"type"`
	Seq       int64              `json:"seq"`
	Data      json.RawMessage    `json:"data"`
	Signature []byte             `json:"signature"`
}

// signed is what the sender signs. Routing fields are covered so a
// message cannot be replayed to another recipient.
type signed struct {
	ID        string             `json:"id"`
	Sender    string             `json:"sender"`
	Recipient string             `json:"recipient"`
	Type      models.MessageType `json:"type"`
	Seq       int64              `json:"seq"`
	Data      json.RawMessage    `json:"data"`
}

func signingBytes(msg models.AsymmetricMessage, t models.MessageType, seq int64, data json.RawMessage) ([]byte, error) {
	return json.Marshal(signed{
		ID:        msg.UUID,
		Sender:    msg.SenderUUID,
		Recipient: msg.RecipientUUID,
		Type:      t,
		Seq:       seq,
		Data:      data,
	})
}

// Inbound is an opened and verified message.
type Inbound struct {
	Message    models.AsymmetricMessage
	Type       models.MessageType
	Seq        int64
	Data       json.RawMessage
	SenderKeys cryptox.PublicKeys
}

func (in Inbound) Sender() string { return in.Message.SenderUUID }

// Decode unmarshals the message data into v.
func (in Inbound) Decode(v any) error {
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", common.ErrValidation, in.Type, err)
	}
	return nil
}

// KeyRotationData hands a vault's new key to a member.
type KeyRotationData struct {
	VaultID  string        `json:"vault_id"`
	Key      keys.VaultKey `json:"key"`
	Material []byte        `json:"material"`
}

// KeyRotationAckData confirms that the sender now holds Epoch.
type KeyRotationAckData struct {
	VaultID string `json:"vault_id"`
	Epoch   int    `json:"epoch"`
}

type InviteResponseData struct {
	InviteUUID string `json:"invite_uuid"`
	Accepted   bool   `json:"accepted"`
}

// SharedVaultInviteData is everything an invitee needs to join a vault.
// InviterKeys lets a party that does not know the inviter yet verify the
// invite itself.
type SharedVaultInviteData struct {
	InviteUUID  string                     `json:"invite_uuid"`
	InviterName string                     `json:"inviter_name"`
	InviterKeys cryptox.PublicKeys         `json:"inviter_keys"`
	Vault       models.VaultListingContent `json:"vault"`
	Permission  models.Permission          `json:"permission"`
	Key         keys.VaultKey              `json:"key"`
	Material    []byte                     `json:"material"`
	ExpiresAt   time.Time                  `json:"expires_at"`
}

type ContactKeyUpdateData struct {
	Keys cryptox.PublicKeys `json:"keys"`
}
