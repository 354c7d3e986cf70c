// Package history keeps the prior revisions of every item, newest last.
//
// Entries recorded from server-acknowledged revisions are immutable. Local
// revisions that never reached the server coalesce: a newer unsynced local
// entry replaces the previous one, and they are the first to go when the
// policy prunes.
package history

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/google/uuid"
)

type Policy struct {
	// MaxPerItem bounds the entries kept per item. Zero keeps everything.
	MaxPerItem int
}

type Store struct {
	mu      sync.RWMutex
	entries map[string][]models.HistoryEntry
	policy  Policy
}

func New(policy Policy) *Store {
	return &Store{entries: make(map[string][]models.HistoryEntry), policy: policy}
}

// Record appends prior to its item's history. It returns the new entry and
// the ids of entries it coalesced or pruned away, for the caller to persist.
func (s *Store) Record(prior models.Payload, now time.Time) (models.HistoryEntry, []string) {
	entry := models.HistoryEntry{
		ID:         uuid.NewString(),
		ItemUUID:   prior.UUID,
		Payload:    prior.Clone(),
		Origin:     models.HistoryServerSync,
		RecordedAt: now,
		Synced:     !prior.Dirty,
	}
	if prior.Dirty {
		entry.Origin = models.HistoryLocalSave
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[prior.UUID]
	var dropped []string

	if n := len(list); n > 0 && !entry.Synced && isLocalUnsynced(list[n-1]) {
		dropped = append(dropped, list[n-1].ID)
		list = list[:n-1]
	}
	list = append(list, entry)

	for s.policy.MaxPerItem > 0 && len(list) > s.policy.MaxPerItem {
		idx := slices.IndexFunc(list, isLocalUnsynced)
		if idx < 0 || idx == len(list)-1 {
			idx = 0
		}
		dropped = append(dropped, list[idx].ID)
		list = slices.Delete(list, idx, idx+1)
	}

	s.entries[prior.UUID] = list
	return entry, dropped
}

func isLocalUnsynced(e models.HistoryEntry) bool {
	return e.Origin == models.HistoryLocalSave && !e.Synced
}

// Load replaces the store's contents with persisted entries.
func (s *Store) Load(entries []models.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string][]models.HistoryEntry)
	for _, e := range entries {
		s.entries[e.ItemUUID] = append(s.entries[e.ItemUUID], e)
	}
	for _, list := range s.entries {
		slices.SortStableFunc(list, func(a, b models.HistoryEntry) int {
			return a.RecordedAt.Compare(b.RecordedAt)
		})
	}
}

// Entries iterates uuid's history, oldest first. Each iteration reads the
// history as it is when the iteration starts.
func (s *Store) Entries(uuid string) iter.Seq[models.HistoryEntry] {
	return func(yield func(models.HistoryEntry) bool) {
		s.mu.RLock()
		list := slices.Clone(s.entries[uuid])
		s.mu.RUnlock()

		for _, e := range list {
			if !yield(e) {
				return
			}
		}
	}
}

func (s *Store) Len(uuid string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[uuid])
}

// KeyRefs counts retained entries per encryption key reference.
func (s *Store) KeyRefs() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make(map[string]int)
	for _, list := range s.entries {
		for _, e := range list {
			if e.Payload.EncItemKeyRef != "" {
				refs[e.Payload.EncItemKeyRef]++
			}
		}
	}
	return refs
}
