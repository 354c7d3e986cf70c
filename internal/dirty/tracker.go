// Package dirty tracks which items carry local changes the server has not
// acknowledged yet. The set is rebuilt from persisted payload flags on
// startup, so it survives restarts.
package dirty

import (
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

type Tracker struct {
	mu    sync.RWMutex
	set   map[string]time.Time
	gauge prometheus.Gauge
}

type Option func(*Tracker)

// WithGauge mirrors the dirty count into g.
func WithGauge(g prometheus.Gauge) Option {
	return func(t *Tracker) { t.gauge = g }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{set: make(map[string]time.Time)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkDirty records that uuid changed locally at at.
func (t *Tracker) MarkDirty(uuid string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set[uuid] = at
	t.publish()
}

// ClearDirty forgets uuid. It reports whether uuid was dirty.
func (t *Tracker) ClearDirty(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[uuid]
	delete(t.set, uuid)
	t.publish()
	return ok
}

func (t *Tracker) IsDirty(uuid string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[uuid]
	return ok
}

// DirtiedAt returns when uuid was last marked dirty.
func (t *Tracker) DirtiedAt(uuid string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.set[uuid]
	return at, ok
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

// UUIDs returns the dirty uuids, sorted.
func (t *Tracker) UUIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.set))
	for u := range t.set {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Rebuild replaces the set with the payloads whose Dirty flag is set.
func (t *Tracker) Rebuild(payloads []models.Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set = make(map[string]time.Time, len(payloads))
	for _, p := range payloads {
		if p.Dirty {
			t.set[p.UUID] = p.DirtiedAt
		}
	}
	t.publish()
}

func (t *Tracker) publish() {
	if t.gauge != nil {
		t.gauge.Set(float64(len(t.set)))
	}
}
