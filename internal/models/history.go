package models

import "time"

type HistoryOrigin string

const (
	HistoryLocalSave  HistoryOrigin = "local_save"
	HistoryServerSync HistoryOrigin = "server_sync"
)

// HistoryEntry is an immutable snapshot of a prior revision. The payload is
// kept encrypted under the key that protected it at the time.
type HistoryEntry struct {
	ID         string        `json:"id"`
	ItemUUID   string        `json:"item_uuid"`
	Payload    Payload       `json:"payload"`
	Origin     HistoryOrigin `json:"origin"`
	RecordedAt time.Time     `json:"recorded_at"`
	Synced     bool          `json:"synced"`
}
