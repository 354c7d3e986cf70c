// Package storage defines the local persistence capability of a session and
// an in-memory implementation of it. Durable backends live in the sqlite
// and badger subpackages.
//
// Writes go through Commit, which applies a whole Batch atomically. Every
// operation in a batch is an upsert or a delete by key, so replaying a
// batch that was already applied leaves the store unchanged.
package storage

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// WrappedKey is vault key material encrypted by the account root key.
type WrappedKey struct {
	UUID             string    `json:"uuid"`
	SystemIdentifier string    `json:"system_identifier"`
	Epoch            int       `json:"epoch"`
	State            string    `json:"state"`
	EncKey           []byte    `json:"enc_key"`
	Nonce            []byte    `json:"nonce"`
	CreatedAt        time.Time `json:"created_at"`
}

type Batch struct {
	Payloads       []models.Payload
	DeletePayloads []string
	History        []models.HistoryEntry
	DeleteHistory  []string
	Keys           []WrappedKey
	DeleteKeys     []string
	Meta           map[string][]byte
	DeleteMeta     []string
}

func (b *Batch) Empty() bool {
	return len(b.Payloads) == 0 && len(b.DeletePayloads) == 0 &&
		len(b.History) == 0 && len(b.DeleteHistory) == 0 &&
		len(b.Keys) == 0 && len(b.DeleteKeys) == 0 &&
		len(b.Meta) == 0 && len(b.DeleteMeta) == 0
}

// SetMeta adds a metadata write to the batch.
func (b *Batch) SetMeta(key string, value []byte) {
	if b.Meta == nil {
		b.Meta = make(map[string][]byte)
	}
	b.Meta[key] = value
}

// Merge appends other's operations to b.
func (b *Batch) Merge(other Batch) {
	b.Payloads = append(b.Payloads, other.Payloads...)
	b.DeletePayloads = append(b.DeletePayloads, other.DeletePayloads...)
	b.History = append(b.History, other.History...)
	b.DeleteHistory = append(b.DeleteHistory, other.DeleteHistory...)
	b.Keys = append(b.Keys, other.Keys...)
	b.DeleteKeys = append(b.DeleteKeys, other.DeleteKeys...)
	for k, v := range other.Meta {
		b.SetMeta(k, v)
	}
	b.DeleteMeta = append(b.DeleteMeta, other.DeleteMeta...)
}

// Store persists payloads (encrypted), history entries, wrapped keys and
// session metadata.
type Store interface {
	Commit(ctx context.Context, b Batch) error
	LoadPayloads(ctx context.Context) ([]models.Payload, error)
	LoadHistory(ctx context.Context) ([]models.HistoryEntry, error)
	LoadWrappedKeys(ctx context.Context) ([]WrappedKey, error)
	// GetMeta returns common.ErrorNotFound for a missing key.
	GetMeta(ctx context.Context, key string) ([]byte, error)
	ListMeta(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}
