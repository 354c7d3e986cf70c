package storage

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// Memory is a Store kept in process memory.
type Memory struct {
	mu       sync.RWMutex
	payloads map[string]models.Payload
	history  map[string]models.HistoryEntry
	keys     map[string]WrappedKey
	meta     map[string][]byte
	commits  int
}

func NewMemory() *Memory {
	return &Memory{
		payloads: make(map[string]models.Payload),
		history:  make(map[string]models.HistoryEntry),
		keys:     make(map[string]WrappedKey),
		meta:     make(map[string][]byte),
	}
}

func (m *Memory) Commit(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range b.Payloads {
		m.payloads[p.UUID] = p.Clone()
	}
	for _, id := range b.DeletePayloads {
		delete(m.payloads, id)
	}
	for _, h := range b.History {
		h.Payload = h.Payload.Clone()
		m.history[h.ID] = h
	}
	for _, id := range b.DeleteHistory {
		delete(m.history, id)
	}
	for _, k := range b.Keys {
		m.keys[k.UUID] = k
	}
	for _, id := range b.DeleteKeys {
		delete(m.keys, id)
	}
	for k, v := range b.Meta {
		m.meta[k] = common.CloneBytes(v)
	}
	for _, k := range b.DeleteMeta {
		delete(m.meta, k)
	}
	m.commits++
	return nil
}

// Commits counts successful Commit calls.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

func (m *Memory) LoadPayloads(context.Context) ([]models.Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Payload, 0, len(m.payloads))
	for _, p := range m.payloads {
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b models.Payload) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

func (m *Memory) LoadHistory(context.Context) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HistoryEntry, 0, len(m.history))
	for _, h := range m.history {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b models.HistoryEntry) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) LoadWrappedKeys(context.Context) ([]WrappedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WrappedKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b WrappedKey) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

func (m *Memory) GetMeta(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return common.CloneBytes(v), nil
}

func (m *Memory) ListMeta(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.meta {
		if strings.HasPrefix(k, prefix) {
			out[k] = common.CloneBytes(v)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
