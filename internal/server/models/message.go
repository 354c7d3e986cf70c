package models

import "time"

// Message is a sealed message waiting for its recipient. Data is opaque to
// the server.
type Message struct {
	ID          string
	RecipientID string
	SenderID    string
	Data        []byte
	CreatedAt   time.Time
}

type PublicKeys struct {
	UserID     string
	EncPublic  []byte
	SignPublic []byte
}
