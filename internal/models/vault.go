package models

import "slices"

// StoragePreference controls where a vault's root key material lives.
type StoragePreference string

const (
	// StorageEphemeral keeps the key in locked memory for the session only.
	StorageEphemeral StoragePreference = "ephemeral"
	// StoragePersisted stores the key wrapped by the account root key.
	StoragePersisted StoragePreference = "persisted"
)

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

func (p Permission) CanWrite() bool {
	return p == PermissionWrite || p == PermissionAdmin
}

func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite || p == PermissionAdmin
}

type VaultMember struct {
	UserUUID   string     `json:"userUuid"`
	Permission Permission `json:"permission"`
	KeyEpoch   int        `json:"keyEpoch"`
}

// Vault is the projection of a vault listing item.
type Vault struct {
	ListingUUID string
	VaultListingContent
}

// VaultFromItem projects a vault listing item, if it is one.
func VaultFromItem(it *Item) (Vault, bool) {
	c, ok := it.VaultListing()
	if !ok || it.Deleted() {
		return Vault{}, false
	}
	return Vault{ListingUUID: it.UUID(), VaultListingContent: c}, true
}

func (v Vault) Member(userUUID string) (VaultMember, bool) {
	for _, m := range v.Members {
		if m.UserUUID == userUUID {
			return m, true
		}
	}
	return VaultMember{}, false
}

// PermissionFor returns what userUUID may do in v. The owner of a vault and
// anyone holding a private vault are admins.
func (v Vault) PermissionFor(userUUID string) (Permission, bool) {
	if !v.Shared || v.OwnerUUID == "" || v.OwnerUUID == userUUID {
		return PermissionAdmin, true
	}
	m, ok := v.Member(userUUID)
	if !ok {
		return "", false
	}
	return m.Permission, true
}

// OtherMembers returns member uuids except self and the owner.
func (v Vault) OtherMembers(self string) []string {
	var out []string
	if v.OwnerUUID != "" && v.OwnerUUID != self {
		out = append(out, v.OwnerUUID)
	}
	for _, m := range v.Members {
		if m.UserUUID != self && !slices.Contains(out, m.UserUUID) {
			out = append(out, m.UserUUID)
		}
	}
	return out
}

// WithMember returns a copy of the listing with m added or replaced.
func (c VaultListingContent) WithMember(m VaultMember) VaultListingContent {
	members := make([]VaultMember, 0, len(c.Members)+1)
	for _, existing := range c.Members {
		if existing.UserUUID != m.UserUUID {
			members = append(members, existing)
		}
	}
	c.Members = append(members, m)
	return c
}

// WithoutMember returns a copy of the listing without userUUID.
func (c VaultListingContent) WithoutMember(userUUID string) VaultListingContent {
	members := make([]VaultMember, 0, len(c.Members))
	for _, existing := range c.Members {
		if existing.UserUUID != userUUID {
			members = append(members, existing)
		}
	}
	c.Members = members
	return c
}
