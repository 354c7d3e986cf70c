package models

// SharedVault is a vault whose items are visible to its members rather than
// only to the uploading user.
type SharedVault struct {
	ID      string
	OwnerID string
}

type VaultMember struct {
	VaultID    string
	UserID     string
	Permission string
}
