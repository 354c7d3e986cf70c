// Package models holds the item store's data model: payloads, the items
// wrapping them, the content union and the vault, invite, history and
// message records exchanged between components.
package models

import (
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/google/uuid"
)

// Payload is one immutable revision of an item. A revision is a new Payload
// value with the same UUID; copy it with Clone before sharing slices.
//
// A payload carries either decrypted Content or EncContent with its Nonce,
// never both. Tombstones carry neither.
type Payload struct {
	UUID                string      `json:"uuid"`
	ContentType         ContentType `json:"content_type"`
	Content             Content     `json:"-"`
	EncContent          []byte      `json:"enc_content,omitempty"`
	Nonce               []byte      `json:"nonce,omitempty"`
	EncItemKeyRef       string      `json:"enc_item_key_ref,omitempty"`
	KeySystemIdentifier string      `json:"key_system_identifier,omitempty"`
	KeyEpoch            int         `json:"key_epoch,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	ServerUpdatedAt     time.Time   `json:"server_updated_at"`
	Deleted             bool        `json:"deleted,omitempty"`
	Dirty               bool        `json:"dirty,omitempty"`
	DirtiedAt           time.Time   `json:"dirtied_at"`
	LastSyncBegan       time.Time   `json:"last_sync_began"`
	LastSyncEnd         time.Time   `json:"last_sync_end"`
	Version             string      `json:"version"`
	ErrorDecrypting     bool        `json:"error_decrypting,omitempty"`
	DuplicateOf         string      `json:"duplicate_of,omitempty"`
}

// NewPayload creates the first revision of a new item. It is dirty from birth.
func NewPayload(c Content, now time.Time) Payload {
	return Payload{
		UUID:        uuid.NewString(),
		ContentType: c.ContentType(),
		Content:     c,
		CreatedAt:   now,
		UpdatedAt:   now,
		Dirty:       true,
		DirtiedAt:   now,
		Version:     common.ProtocolVersion,
	}
}

// Clone returns a copy that shares no byte slices with p.
func (p Payload) Clone() Payload {
	p.EncContent = common.CloneBytes(p.EncContent)
	p.Nonce = common.CloneBytes(p.Nonce)
	return p
}

// IsEncrypted reports whether p holds ciphertext instead of content.
func (p Payload) IsEncrypted() bool {
	return p.Content == nil && p.EncContent != nil
}

// WithContent returns p carrying c as its decrypted content.
func (p Payload) WithContent(c Content) Payload {
	p.Content = c
	p.EncContent = nil
	p.Nonce = nil
	p.ErrorDecrypting = false
	return p
}

// WithCiphertext returns p carrying ciphertext encrypted under keyRef.
func (p Payload) WithCiphertext(enc, nonce []byte, keyRef string, epoch int) Payload {
	p.Content = nil
	p.EncContent = common.CloneBytes(enc)
	p.Nonce = common.CloneBytes(nonce)
	p.EncItemKeyRef = keyRef
	p.KeyEpoch = epoch
	return p
}

// Quarantined returns p flagged as undecryptable. The ciphertext is kept so
// decryption can be retried once the key turns up.
func (p Payload) Quarantined() Payload {
	p.Content = nil
	p.ErrorDecrypting = true
	return p
}

// Dirtied returns p marked as locally changed at now.
func (p Payload) Dirtied(now time.Time) Payload {
	p.Dirty = true
	p.DirtiedAt = now
	p.UpdatedAt = now
	return p
}

// Tombstone returns the deleted form of p: identity and timestamps only.
func (p Payload) Tombstone(now time.Time) Payload {
	p = p.Dirtied(now)
	p.Deleted = true
	p.Content = nil
	p.EncContent = nil
	p.Nonce = nil
	p.ErrorDecrypting = false
	return p
}

// Duplicate copies p under a fresh uuid, pointing DuplicateOf at the
// original. The copy is dirty so that it gets pushed.
func (p Payload) Duplicate(now time.Time) Payload {
	d := p.Clone()
	d.DuplicateOf = p.UUID
	d.UUID = uuid.NewString()
	d.CreatedAt = now
	d.ServerUpdatedAt = time.Time{}
	d.LastSyncBegan = time.Time{}
	d.LastSyncEnd = time.Time{}
	return d.Dirtied(now)
}

// Wire strips the fields that only make sense locally.
func (p Payload) Wire() Payload {
	w := p.Clone()
	w.Content = nil
	w.Dirty = false
	w.DirtiedAt = time.Time{}
	w.LastSyncBegan = time.Time{}
	w.LastSyncEnd = time.Time{}
	w.ErrorDecrypting = false
	return w
}

// AAD is the additional data bound into the payload's ciphertext so a blob
// cannot be replayed under another uuid or type.
func (p Payload) AAD() []byte {
	return []byte(p.UUID + "|" + string(p.ContentType) + "|" + p.Version)
}
