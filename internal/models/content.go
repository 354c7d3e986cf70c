package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
)

// ContentType selects the schema of a payload's content.
type ContentType string

const (
	ContentTypeNote           ContentType = "Note"
	ContentTypeTag            ContentType = "Tag"
	ContentTypeSmartView      ContentType = "SN|SmartTag"
	ContentTypeItemsKey       ContentType = "SN|ItemsKey"
	ContentTypeVaultListing   ContentType = "SN|VaultListing"
	ContentTypeTrustedContact ContentType = "SN|TrustedContact"
	ContentTypeUserPrefs      ContentType = "SN|UserPreferences"
)

// Content is the decrypted body of a payload. Values are treated as
// immutable: derive a modified copy instead of editing one in place.
type Content interface {
	ContentType() ContentType
}

// Reference points at another item by uuid.
type Reference struct {
	UUID        string      `json:"uuid"`
	ContentType ContentType `json:"content_type"`
}

// AppData carries the user-facing flags shared by notes, tags and views.
type AppData struct {
	Archived  bool `json:"archived,omitempty"`
	Trashed   bool `json:"trashed,omitempty"`
	Pinned    bool `json:"pinned,omitempty"`
	Starred   bool `json:"starred,omitempty"`
	Protected bool `json:"protected,omitempty"`
}

type NoteContent struct {
	Title      string      `json:"title"`
	Text       string      `json:"text"`
	Preview    string      `json:"preview_plain,omitempty"`
	References []Reference `json:"references,omitempty"`
	AppData    AppData     `json:"appData"`
}

func (NoteContent) ContentType() ContentType { return ContentTypeNote }

// TagContent references the notes it contains. ParentUUID nests tags; the
// parent graph is not guaranteed to be acyclic.
type TagContent struct {
	Title      string      `json:"title"`
	ParentUUID string      `json:"parent_uuid,omitempty"`
	References []Reference `json:"references,omitempty"`
	AppData    AppData     `json:"appData"`
}

func (TagContent) ContentType() ContentType { return ContentTypeTag }

// SmartViewContent stores a predicate definition in its JSON form.
type SmartViewContent struct {
	Title     string          `json:"title"`
	Predicate json.RawMessage `json:"predicate"`
	AppData   AppData         `json:"appData"`
}

func (SmartViewContent) ContentType() ContentType { return ContentTypeSmartView }

type ItemsKeyContent struct {
	Key       []byte `json:"itemsKey"`
	Version   string `json:"version"`
	IsDefault bool   `json:"isDefault"`
}

func (ItemsKeyContent) ContentType() ContentType { return ContentTypeItemsKey }

type VaultListingContent struct {
	SystemIdentifier  string            `json:"systemIdentifier"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	IconString        string            `json:"iconString,omitempty"`
	StoragePreference StoragePreference `json:"storagePreference"`
	Shared            bool              `json:"shared,omitempty"`
	OwnerUUID         string            `json:"ownerUuid,omitempty"`
	Members           []VaultMember     `json:"members,omitempty"`
	KeyEpoch          int               `json:"keyEpoch"`
}

func (VaultListingContent) ContentType() ContentType { return ContentTypeVaultListing }

// TrustedContactContent records the public keys trusted for another party.
// KeySeq is the sequence number of the last applied key update.
type TrustedContactContent struct {
	ContactUUID string             `json:"contactUuid"`
	Name        string             `json:"name"`
	PublicKeys  cryptox.PublicKeys `json:"publicKeySet"`
	KeySeq      int64              `json:"keySeq,omitempty"`
	IsMe        bool               `json:"isMe,omitempty"`
}

func (TrustedContactContent) ContentType() ContentType { return ContentTypeTrustedContact }

type UserPrefsContent struct {
	Values map[string]any `json:"values"`
}

func (UserPrefsContent) ContentType() ContentType { return ContentTypeUserPrefs }

// RawContent keeps content of a type this build does not know, byte for byte.
type RawContent struct {
	Type ContentType
	Data json.RawMessage
}

func (r RawContent) ContentType() ContentType { return r.Type }

// EncodeContent returns the serialized form of c.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	if raw, ok := c.(RawContent); ok {
		return append([]byte(nil), raw.Data...), nil
	}
	return json.Marshal(c)
}

// DecodeContent parses data according to ct. Unknown types decode into
// RawContent so they survive a round trip untouched.
func DecodeContent(ct ContentType, data []byte) (Content, error) {
	switch ct {
	case ContentTypeNote:
		return decodeAs[NoteContent](data)
	case ContentTypeTag:
		return decodeAs[TagContent](data)
	case ContentTypeSmartView:
		return decodeAs[SmartViewContent](data)
	case ContentTypeItemsKey:
		return decodeAs[ItemsKeyContent](data)
	case ContentTypeVaultListing:
		return decodeAs[VaultListingContent](data)
	case ContentTypeTrustedContact:
		return decodeAs[TrustedContactContent](data)
	case ContentTypeUserPrefs:
		return decodeAs[UserPrefsContent](data)
	default:
		return RawContent{Type: ct, Data: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T Content](data []byte) (Content, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.ContentType(), err)
	}
	return v, nil
}

// ContentEqual reports whether a and b serialize identically.
func ContentEqual(a, b Content) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ContentType() != b.ContentType() {
		return false
	}
	ea, err := EncodeContent(a)
	if err != nil {
		return false
	}
	eb, err := EncodeContent(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
