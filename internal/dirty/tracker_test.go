package dirty

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMarkClear(t *testing.T) {
	tr := New()
	tr.MarkDirty("a", t0)
	tr.MarkDirty("b", t0)
	tr.MarkDirty("a", t0.Add(time.Second))

	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, []string{"a", "b"}, tr.UUIDs())

	at, ok := tr.DirtiedAt("a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), at)

	assert.True(t, tr.ClearDirty("a"))
	assert.False(t, tr.ClearDirty("a"))
	assert.False(t, tr.IsDirty("a"))
	assert.True(t, tr.IsDirty("b"))
	assert.Equal(t, 1, tr.Count())
}

func TestAckDecreasesByAcknowledgedSetOnly(t *testing.T) {
	tr := New()
	for _, u := range []string{"a", "b", "c", "d"} {
		tr.MarkDirty(u, t0)
	}
	before := tr.Count()

	acked := []string{"b", "d", "zz"}
	cleared := 0
	for _, u := range acked {
		if tr.ClearDirty(u) {
			cleared++
		}
	}

	assert.Equal(t, 2, cleared)
	assert.Equal(t, before-cleared, tr.Count())
}

func TestRebuildFromPersistedFlags(t *testing.T) {
	tr := New()
	tr.MarkDirty("stale", t0)

	tr.Rebuild([]models.Payload{
		{UUID: "x", Dirty: true, DirtiedAt: t0},
		{UUID: "y"},
		{UUID: "z", Dirty: true, DirtiedAt: t0.Add(time.Minute)},
	})

	assert.Equal(t, []string{"x", "z"}, tr.UUIDs())
	at, _ := tr.DirtiedAt("z")
	assert.Equal(t, t0.Add(time.Minute), at)
}

func TestGauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dirty_test"})
	tr := New(WithGauge(g))

	tr.MarkDirty("a", t0)
	tr.MarkDirty("b", t0)
	assert.Equal(t, 2.0, testutil.ToFloat64(g))

	tr.ClearDirty("a")
	assert.Equal(t, 1.0, testutil.ToFloat64(g))
}
