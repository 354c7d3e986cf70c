package items

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// RemoteBatch is a reconciled set of server changes to apply in one commit.
type RemoteBatch struct {
	// Puts become the current revision of their uuid. The revision they
	// replace is recorded in history.
	Puts []models.Payload
	// Advances replace the current revision without a history entry. They
	// carry a moved server base for content that did not change.
	Advances []models.Payload
	// Discards are removed entirely.
	Discards []string
	// Meta is written in the same commit, typically the pull cursor.
	Meta map[string][]byte
	// Expect holds the local revisions the batch was computed against.
	// A uuid in Touched missing from Expect is expected to be absent.
	Expect  map[string]models.Payload
	Touched []string
}

// ApplyRemote applies b if none of the uuids it touches changed locally
// since b was computed, and reports common.ErrStaleUpdate otherwise so the
// caller can recompute.
func (m *Manager) ApplyRemote(ctx context.Context, b RemoteBatch) (collection.Change, error) {
	all := append(append([]models.Payload(nil), b.Puts...), b.Advances...)
	for _, vaultID := range m.vaultsOf(all, b.Discards) {
		if err := m.keys.WaitRotation(ctx, vaultID); err != nil {
			return collection.Change{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, uuid := range b.Touched {
		want, expected := b.Expect[uuid]
		it, ok := m.col.Find(uuid)
		if ok != expected || (ok && !sameRevision(it.Payload(), want)) {
			return collection.Change{}, fmt.Errorf("apply remote %s: %w", uuid, common.ErrStaleUpdate)
		}
	}

	return m.commit(ctx, collection.SourceRemote, commitSet{
		puts:     b.Puts,
		advances: b.Advances,
		discards: b.Discards,
		meta:     b.Meta,
	})
}

func sameRevision(a, b models.Payload) bool {
	return a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.ServerUpdatedAt.Equal(b.ServerUpdatedAt) &&
		a.DirtiedAt.Equal(b.DirtiedAt) &&
		a.Dirty == b.Dirty &&
		a.Deleted == b.Deleted &&
		a.ErrorDecrypting == b.ErrorDecrypting
}

// Ack is the server's acknowledgement of one pushed revision.
type Ack struct {
	UUID string
	// DirtiedAt identifies the local revision that was pushed.
	DirtiedAt       time.Time
	ServerUpdatedAt time.Time
}

// Acknowledge records acknowledged pushes. A revision still carrying the
// pushed DirtiedAt is marked clean; one edited again since keeps its dirty
// flag and only moves its server base. Acknowledged tombstones are purged.
// It returns how many revisions became clean.
func (m *Manager) Acknowledge(ctx context.Context, acks []Ack) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var advanced []models.Payload
	var purged []string
	cleared := 0
	for _, a := range acks {
		it, ok := m.col.Find(a.UUID)
		if !ok {
			continue
		}
		p := it.Payload()
		p.ServerUpdatedAt = a.ServerUpdatedAt
		p.LastSyncEnd = now
		if p.Dirty && p.DirtiedAt.Equal(a.DirtiedAt) {
			p.Dirty = false
			cleared++
			if p.Deleted {
				purged = append(purged, p.UUID)
				continue
			}
		}
		advanced = append(advanced, p)
	}
	if len(advanced) == 0 && len(purged) == 0 {
		return 0, nil
	}
	if _, err := m.commit(ctx, collection.SourceRemote, commitSet{advances: advanced, discards: purged}); err != nil {
		return 0, err
	}
	return cleared, nil
}
