package models

import "time"

// Item is the server's copy of one item revision. Data holds the wire
// payload as JSON; the server never sees plaintext.
type Item struct {
	UUID            string
	UserID          string
	VaultID         string
	Deleted         bool
	ServerUpdatedAt time.Time
	// Version orders changes for pull cursors. It is assigned from a single
	// server-wide sequence.
	Version int64
	Data    []byte
}
