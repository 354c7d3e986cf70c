package models

import "time"

// Item wraps the current payload of one logical entity and exposes typed
// views of its content. Items are replaced, not edited, when the payload
// changes.
type Item struct {
	payload Payload
}

// NewItem wraps a private copy of p.
func NewItem(p Payload) *Item {
	return &Item{payload: p.Clone()}
}

// Payload returns a copy of the wrapped payload.
func (i *Item) Payload() Payload { return i.payload.Clone() }

// UUID is the item's stable identifier.
func (i *Item) UUID() string { return i.payload.UUID }

// ContentType tells which typed view of Content applies.
func (i *Item) ContentType() ContentType { return i.payload.ContentType }

// Content is the decrypted content, nil for tombstones and quarantined items.
func (i *Item) Content() Content { return i.payload.Content }

// Deleted reports a tombstone.
func (i *Item) Deleted() bool { return i.payload.Deleted }

// Dirty reports local changes the server has not acknowledged.
func (i *Item) Dirty() bool { return i.payload.Dirty }

// ErrorDecrypting reports an item held as ciphertext until its key arrives.
func (i *Item) ErrorDecrypting() bool { return i.payload.ErrorDecrypting }

// CreatedAt is when the item was first created on any device.
func (i *Item) CreatedAt() time.Time { return i.payload.CreatedAt }

// UpdatedAt is when the content last changed.
func (i *Item) UpdatedAt() time.Time { return i.payload.UpdatedAt }

// KeySystemIdentifier names the vault the item lives in, empty for the
// account's own items.
func (i *Item) KeySystemIdentifier() string { return i.payload.KeySystemIdentifier }

// EncItemKeyRef names the key that wraps the item key.
func (i *Item) EncItemKeyRef() string { return i.payload.EncItemKeyRef }

// DuplicateOf is the uuid this item was copied from in a conflict.
func (i *Item) DuplicateOf() string { return i.payload.DuplicateOf }

// InVault reports whether the item belongs to a vault.
func (i *Item) InVault() bool { return i.payload.KeySystemIdentifier != "" }

// Note returns the content as a note. The bool is false for other types.
func (i *Item) Note() (NoteContent, bool) {
	c, ok := i.payload.Content.(NoteContent)
	return c, ok
}

// Tag returns the content as a tag.
func (i *Item) Tag() (TagContent, bool) {
	c, ok := i.payload.Content.(TagContent)
	return c, ok
}

// SmartView returns the content as a saved search.
func (i *Item) SmartView() (SmartViewContent, bool) {
	c, ok := i.payload.Content.(SmartViewContent)
	return c, ok
}

// ItemsKey returns the content as an items key.
func (i *Item) ItemsKey() (ItemsKeyContent, bool) {
	c, ok := i.payload.Content.(ItemsKeyContent)
	return c, ok
}

// VaultListing returns the content as a vault listing.
func (i *Item) VaultListing() (VaultListingContent, bool) {
	c, ok := i.payload.Content.(VaultListingContent)
	return c, ok
}

// TrustedContact returns the content as a trusted contact.
func (i *Item) TrustedContact() (TrustedContactContent, bool) {
	c, ok := i.payload.Content.(TrustedContactContent)
	return c, ok
}

// UserPrefs returns the content as user preferences.
func (i *Item) UserPrefs() (UserPrefsContent, bool) {
	c, ok := i.payload.Content.(UserPrefsContent)
	return c, ok
}

// AppData returns the display flags of notes, tags and smart views, and
// the zero value for every other type.
func (i *Item) AppData() AppData {
	switch c := i.payload.Content.(type) {
	case NoteContent:
		return c.AppData
	case TagContent:
		return c.AppData
	case SmartViewContent:
		return c.AppData
	}
	return AppData{}
}

// Archived reports the archived flag of AppData.
func (i *Item) Archived() bool { return i.AppData().Archived }

// Trashed reports the trashed flag of AppData.
func (i *Item) Trashed() bool { return i.AppData().Trashed }

// Pinned reports the pinned flag of AppData.
func (i *Item) Pinned() bool { return i.AppData().Pinned }

// Starred reports the starred flag of AppData.
func (i *Item) Starred() bool { return i.AppData().Starred }

// Protected reports the protected flag of AppData.
func (i *Item) Protected() bool { return i.AppData().Protected }

// Title is the display name of the item, empty for types without one.
func (i *Item) Title() string {
	switch c := i.payload.Content.(type) {
	case NoteContent:
		return c.Title
	case TagContent:
		return c.Title
	case SmartViewContent:
		return c.Title
	case VaultListingContent:
		return c.Name
	case TrustedContactContent:
		return c.Name
	}
	return ""
}

// References lists the uuids this item points at.
func (i *Item) References() []Reference {
	var refs []Reference
	switch c := i.payload.Content.(type) {
	case NoteContent:
		refs = c.References
	case TagContent:
		refs = c.References
		if c.ParentUUID != "" {
			refs = append(append([]Reference(nil), refs...), Reference{UUID: c.ParentUUID, ContentType: ContentTypeTag})
		}
	}
	return refs
}

// Projection flattens the item into the map predicates are evaluated over.
func (i *Item) Projection() map[string]any {
	app := i.AppData()
	m := map[string]any{
		"uuid":                  i.payload.UUID,
		"content_type":          string(i.payload.ContentType),
		"title":                 i.Title(),
		"created_at":            i.payload.CreatedAt,
		"updated_at":            i.payload.UpdatedAt,
		"archived":              app.Archived,
		"trashed":               app.Trashed,
		"pinned":                app.Pinned,
		"starred":               app.Starred,
		"protected":             app.Protected,
		"deleted":               i.payload.Deleted,
		"dirty":                 i.payload.Dirty,
		"key_system_identifier": i.payload.KeySystemIdentifier,
		"duplicate_of":          i.payload.DuplicateOf,
	}

	refs := make([]any, 0, len(i.References()))
	for _, r := range i.References() {
		refs = append(refs, map[string]any{"uuid": r.UUID, "content_type": string(r.ContentType)})
	}
	m["references"] = refs

	switch c := i.payload.Content.(type) {
	case NoteContent:
		m["text"] = c.Text
		m["preview_plain"] = c.Preview
	case TagContent:
		m["parent_uuid"] = c.ParentUUID
	case UserPrefsContent:
		for k, v := range c.Values {
			m[k] = v
		}
	}
	return m
}
