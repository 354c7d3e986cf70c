package syncer

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func notePayload(uuid, text string, server time.Time) models.Payload {
	p := models.NewPayload(models.NoteContent{Title: uuid, Text: text}, t0)
	p.UUID = uuid
	p.ServerUpdatedAt = server
	p.Dirty = false
	p.DirtiedAt = time.Time{}
	return p
}

func lookupOf(ps ...models.Payload) Lookup {
	m := map[string]models.Payload{}
	for _, p := range ps {
		m[p.UUID] = p
	}
	return func(uuid string) (models.Payload, bool) {
		p, ok := m[uuid]
		return p, ok
	}
}

func dirtied(p models.Payload, at time.Time) models.Payload {
	return p.Dirtied(at)
}

func TestCompute_NewRemoteItemIsInserted(t *testing.T) {
	remote := notePayload("n1", "hello", t0)
	d := Reconciler{}.Compute(lookupOf(), []models.Payload{remote}, State{}, t0)
	require.Len(t, d.Inserted, 1)
	assert.Equal(t, "n1", d.Inserted[0].UUID)
}

func TestCompute_RemoteTombstoneForUnknownIsSkipped(t *testing.T) {
	remote := notePayload("n1", "", t0).Tombstone(t0)
	d := Reconciler{}.Compute(lookupOf(), []models.Payload{remote}, State{}, t0)
	assert.True(t, d.Empty())
	assert.Equal(t, 1, d.Skipped)
}

func TestCompute_CleanLocalTakesRemote(t *testing.T) {
	local := notePayload("n1", "old", t0)
	remote := notePayload("n1", "new", t0.Add(time.Minute))

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, t0)
	require.Len(t, d.Updated, 1)
	assert.Equal(t, "new", d.Updated[0].Content.(models.NoteContent).Text)

	gone := remote.Tombstone(t0)
	d = Reconciler{}.Compute(lookupOf(local), []models.Payload{gone}, State{}, t0)
	assert.Equal(t, []string{"n1"}, d.Deleted)
}

func TestCompute_SameServerRevisionIsSkipped(t *testing.T) {
	local := notePayload("n1", "x", t0)
	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{local}, State{}, t0)
	assert.True(t, d.Empty())
}

func TestCompute_DirtyLocalWithDifferentContentConflicts(t *testing.T) {
	local := dirtied(notePayload("n1", "mine", t0), t0.Add(time.Second))
	remote := notePayload("n1", "theirs", t0.Add(time.Minute))
	now := t0.Add(time.Hour)

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, now)
	require.Len(t, d.Conflicted, 1)
	c := d.Conflicted[0]

	assert.Equal(t, "n1", c.Local.UUID)
	assert.Equal(t, "mine", c.Local.Content.(models.NoteContent).Text)
	assert.True(t, c.Local.Dirty)
	assert.Equal(t, remote.ServerUpdatedAt, c.Local.ServerUpdatedAt, "local is rebased onto the remote revision")

	assert.NotEqual(t, "n1", c.Duplicate.UUID)
	assert.Equal(t, "n1", c.Duplicate.DuplicateOf)
	assert.Equal(t, "theirs", c.Duplicate.Content.(models.NoteContent).Text)
	assert.True(t, c.Duplicate.Dirty)
	assert.True(t, c.Duplicate.ServerUpdatedAt.IsZero())
}

func TestCompute_DirtyLocalWithEqualContentIsAdopted(t *testing.T) {
	local := dirtied(notePayload("n1", "same", t0), t0.Add(time.Second))
	remote := notePayload("n1", "same", t0.Add(time.Minute))

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, t0)
	assert.Empty(t, d.Conflicted)
	require.Len(t, d.Advanced, 1)
	assert.False(t, d.Advanced[0].Dirty)
	assert.Equal(t, remote.ServerUpdatedAt, d.Advanced[0].ServerUpdatedAt)
}

func TestCompute_UndecryptableRemoteDisplacesDirtyLocal(t *testing.T) {
	local := dirtied(notePayload("n1", "mine", t0), t0.Add(time.Second))
	remote := notePayload("n1", "", t0.Add(time.Minute)).Quarantined()
	now := t0.Add(time.Hour)

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, now)
	assert.Empty(t, d.Conflicted)
	assert.Empty(t, d.Advanced)
	assert.Empty(t, d.Quarantined)
	require.Len(t, d.Displaced, 1)
	dp := d.Displaced[0]

	assert.Equal(t, "n1", dp.Remote.UUID)
	assert.True(t, dp.Remote.ErrorDecrypting)
	assert.Equal(t, remote.ServerUpdatedAt, dp.Remote.ServerUpdatedAt)

	assert.NotEqual(t, "n1", dp.Moved.UUID)
	assert.Equal(t, "n1", dp.Moved.DuplicateOf)
	assert.Equal(t, "mine", dp.Moved.Content.(models.NoteContent).Text)
	assert.True(t, dp.Moved.Dirty)
	assert.True(t, dp.Moved.ServerUpdatedAt.IsZero())
	assert.False(t, d.Empty())
}

func TestCompute_UndecryptableRemoteBeatsDirtyLocalDelete(t *testing.T) {
	local := notePayload("n1", "old", t0).Tombstone(t0.Add(time.Second))
	remote := notePayload("n1", "", t0.Add(time.Minute)).Quarantined()

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, t0.Add(time.Hour))
	assert.Empty(t, d.Displaced)
	require.Len(t, d.Quarantined, 1)
	assert.Equal(t, "n1", d.Quarantined[0].UUID)
	assert.True(t, d.Quarantined[0].ErrorDecrypting)
}

func TestCompute_UndecryptableRemoteQuarantinedOverCleanLocal(t *testing.T) {
	local := notePayload("n1", "old", t0)
	remote := notePayload("n1", "", t0.Add(time.Minute)).Quarantined()

	d := Reconciler{}.Compute(lookupOf(local), []models.Payload{remote}, State{}, t0)
	require.Len(t, d.Quarantined, 1)
	assert.True(t, d.Quarantined[0].ErrorDecrypting)
}

func TestCompute_RemoteTombstoneWaitsOutGraceAgainstDirtyLocal(t *testing.T) {
	r := Reconciler{Grace: time.Minute}
	local := dirtied(notePayload("n1", "mine", t0), t0.Add(time.Second))
	gone := notePayload("n1", "", t0.Add(2*time.Second)).Tombstone(t0)

	first := t0.Add(10 * time.Second)
	d := r.Compute(lookupOf(local), []models.Payload{gone}, State{LastPushFinished: first}, first)
	require.Len(t, d.Deferred, 1)
	assert.Empty(t, d.Deleted)
	assert.Equal(t, first, d.Deferred[0].Since)

	st := State{LastPushFinished: first, DeferredSince: map[string]time.Time{"n1": first}}
	d = r.Compute(lookupOf(local), []models.Payload{gone}, st, first.Add(30*time.Second))
	assert.Len(t, d.Deferred, 1, "still within grace")

	d = r.Compute(lookupOf(local), []models.Payload{gone}, st, first.Add(2*time.Minute))
	assert.Equal(t, []string{"n1"}, d.Deleted)
}

func TestCompute_RemoteTombstoneKeepsLocalEditNeverPushed(t *testing.T) {
	r := Reconciler{}
	edited := t0.Add(time.Hour)
	local := dirtied(notePayload("n1", "mine", t0), edited)
	gone := notePayload("n1", "", t0.Add(time.Second)).Tombstone(t0)

	d := r.Compute(lookupOf(local), []models.Payload{gone}, State{LastPushFinished: t0}, edited.Add(time.Minute))
	assert.Empty(t, d.Deleted)
	assert.Len(t, d.Deferred, 1)
}

func TestCompute_LatestRevisionPerUUIDWins(t *testing.T) {
	older := notePayload("n1", "v1", t0.Add(time.Second))
	newer := notePayload("n1", "v2", t0.Add(2*time.Second))

	d := Reconciler{}.Compute(lookupOf(), []models.Payload{newer, older}, State{}, t0)
	require.Len(t, d.Inserted, 1)
	assert.Equal(t, "v2", d.Inserted[0].Content.(models.NoteContent).Text)
}
