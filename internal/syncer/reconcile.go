package syncer

import (
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// Lookup returns the local current payload for uuid.
type Lookup func(uuid string) (models.Payload, bool)

// State is what the reconciler needs to know about past sync cycles.
type State struct {
	// LastPushFinished is when the last push attempt got a response.
	LastPushFinished time.Time
	// DeferredSince holds when a remote tombstone racing a dirty local
	// copy was first seen.
	DeferredSince map[string]time.Time
}

// Conflict is a remote revision that raced a dirty local one. Local keeps
// its uuid and content with its base moved to the remote revision so its
// push wins; Duplicate carries the remote content under a new uuid.
type Conflict struct {
	Local     models.Payload
	Remote    models.Payload
	Duplicate models.Payload
}

// Displacement is a dirty local edit that raced a remote revision this
// device cannot decrypt yet. The ciphertext is bound to its uuid, so Remote
// stays there quarantined and the local edit moves to Moved, a duplicate
// under a new uuid. Both survive until the key arrives.
type Displacement struct {
	Remote models.Payload
	Moved  models.Payload
}

// Deferral is a remote tombstone waiting out the grace period.
type Deferral struct {
	UUID  string
	Since time.Time
}

type Delta struct {
	Inserted []models.Payload
	Updated  []models.Payload
	// Advanced are local revisions whose server base moved while their
	// content stays.
	Advanced    []models.Payload
	Deleted     []string
	Conflicted  []Conflict
	Displaced   []Displacement
	Deferred    []Deferral
	Quarantined []models.Payload
	Skipped     int
}

func (d Delta) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Updated) == 0 && len(d.Advanced) == 0 &&
		len(d.Deleted) == 0 && len(d.Conflicted) == 0 && len(d.Displaced) == 0 &&
		len(d.Quarantined) == 0
}

// Reconciler decides what a batch of remote revisions does to local state.
// It never loses data: a remote change racing a local edit is kept as a
// separate item instead of overwriting either side.
type Reconciler struct {
	// Grace is how long a remote tombstone waits before it may delete a
	// dirty local copy.
	Grace time.Duration
}

// Compute is pure: it reads local through lookup and returns the delta
// without applying it. Incoming payloads are decrypted, or flagged
// ErrorDecrypting when they could not be.
func (r Reconciler) Compute(lookup Lookup, incoming []models.Payload, st State, now time.Time) Delta {
	var d Delta
	for _, remote := range latestPerUUID(incoming) {
		local, ok := lookup(remote.UUID)
		switch {
		case !ok:
			r.absent(&d, remote)
		case !local.Dirty:
			r.clean(&d, local, remote)
		default:
			r.dirty(&d, local, remote, st, now)
		}
	}
	return d
}

func (r Reconciler) absent(d *Delta, remote models.Payload) {
	switch {
	case remote.Deleted:
		d.Skipped++
	case remote.ErrorDecrypting:
		d.Quarantined = append(d.Quarantined, remote)
	default:
		d.Inserted = append(d.Inserted, remote)
	}
}

func (r Reconciler) clean(d *Delta, local, remote models.Payload) {
	switch {
	case local.ServerUpdatedAt.Equal(remote.ServerUpdatedAt) && local.Deleted == remote.Deleted:
		d.Skipped++
	case remote.Deleted:
		d.Deleted = append(d.Deleted, remote.UUID)
	case remote.ErrorDecrypting:
		d.Quarantined = append(d.Quarantined, remote)
	default:
		d.Updated = append(d.Updated, remote)
	}
}

func (r Reconciler) dirty(d *Delta, local, remote models.Payload, st State, now time.Time) {
	switch {
	case remote.Deleted && local.Deleted:
		d.Deleted = append(d.Deleted, remote.UUID)

	case remote.Deleted:
		since, seen := st.DeferredSince[remote.UUID]
		if !seen {
			since = now
		}
		if now.Sub(since) >= r.Grace && st.LastPushFinished.After(local.DirtiedAt) {
			d.Deleted = append(d.Deleted, remote.UUID)
			return
		}
		d.Deferred = append(d.Deferred, Deferral{UUID: remote.UUID, Since: since})

	case local.ServerUpdatedAt.Equal(remote.ServerUpdatedAt):
		d.Skipped++

	case remote.ErrorDecrypting && local.Deleted:
		// The local delete gives way to content nobody here can read yet.
		d.Quarantined = append(d.Quarantined, remote)

	case remote.ErrorDecrypting:
		d.Displaced = append(d.Displaced, Displacement{Remote: remote, Moved: local.Duplicate(now)})

	case !local.Deleted && local.KeySystemIdentifier == remote.KeySystemIdentifier &&
		models.ContentEqual(local.Content, remote.Content):
		adopted := remote
		adopted.Dirty = false
		d.Advanced = append(d.Advanced, adopted)

	default:
		d.Conflicted = append(d.Conflicted, Conflict{
			Local:     rebase(local, remote),
			Remote:    remote,
			Duplicate: remote.Duplicate(now),
		})
	}
}

func rebase(local, remote models.Payload) models.Payload {
	local.ServerUpdatedAt = remote.ServerUpdatedAt
	return local
}

// latestPerUUID keeps the newest server revision of each uuid, in first
// seen order.
func latestPerUUID(ps []models.Payload) []models.Payload {
	idx := make(map[string]int, len(ps))
	out := make([]models.Payload, 0, len(ps))
	for _, p := range ps {
		if i, ok := idx[p.UUID]; ok {
			if !p.ServerUpdatedAt.Before(out[i].ServerUpdatedAt) {
				out[i] = p
			}
			continue
		}
		idx[p.UUID] = len(out)
		out = append(out, p)
	}
	return out
}
