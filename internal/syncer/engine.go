// Package syncer exchanges a session's items with the sync server. One
// cycle pushes dirty payloads, records the server's acknowledgements,
// pulls everything new since the stored cursor, reconciles it against
// local state and applies the result in a single commit.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/metrics"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

const (
	MetaCursor = "sync:cursor"
	// MetaDeferred holds when each deferred remote tombstone was first seen.
	MetaDeferred    = "sync:deferred"
	defaultPageSize = 150
	staleRetries    = 3
)

var tracer = otel.Tracer("github.com/dmitrijs2005/gophnotes/internal/syncer")

type Options struct {
	Items     *items.Manager
	Keys      *keys.System
	Transport transport.Transport
	Store     storage.Store
	Logger    logging.Logger
	Now       func() time.Time
	// Grace delays remote tombstones racing a dirty local copy.
	Grace    time.Duration
	PageSize int
}

type Engine struct {
	items      *items.Manager
	keys       *keys.System
	tr         transport.Transport
	store      storage.Store
	log        logging.Logger
	now        func() time.Time
	reconciler Reconciler
	pageSize   int

	flight singleflight.Group

	mu     sync.Mutex
	state  State
	loaded bool
}

// Result summarizes one cycle.
type Result struct {
	Pushed      int
	Cleared     int
	Pulled      int
	Inserted    int
	Updated     int
	Deleted     int
	Conflicts   int
	Deferred    int
	Quarantined int
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{
		items:      opts.Items,
		keys:       opts.Keys,
		tr:         opts.Transport,
		store:      opts.Store,
		log:        logging.OrNop(opts.Logger).With("module", "syncer"),
		now:        now,
		reconciler: Reconciler{Grace: opts.Grace},
		pageSize:   pageSize,
		state:      State{DeferredSince: make(map[string]time.Time)},
	}
}

// Sync runs one cycle. Concurrent callers share the cycle in flight.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	v, err, _ := e.flight.Do("sync", func() (any, error) {
		return e.cycle(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

func (e *Engine) cycle(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "syncer.Sync")
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, common.ErrNetwork):
			outcome = "network"
		case err != nil:
			outcome = "failed"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("pushed", res.Pushed),
			attribute.Int("pulled", res.Pulled),
			attribute.Int("conflicts", res.Conflicts),
		)
		span.End()
		metrics.SyncCycles.WithLabelValues(outcome).Inc()
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	if err := e.loadState(ctx); err != nil {
		return res, err
	}
	serverSide, err := e.push(ctx, &res)
	if err != nil {
		return res, err
	}

	cursor, err := e.cursor(ctx)
	if err != nil {
		return res, err
	}
	incoming := serverSide
	for {
		page, err := e.tr.Pull(ctx, cursor, e.pageSize)
		if err != nil {
			return res, fmt.Errorf("pull: %w", err)
		}
		incoming = append(incoming, page.Payloads...)
		res.Pulled += len(page.Payloads)
		cursor = page.Cursor
		if !page.More {
			break
		}
	}

	if err := e.apply(ctx, incoming, cursor, &res); err != nil {
		return res, err
	}

	e.log.Debug(ctx, "sync cycle finished",
		"pushed", res.Pushed, "cleared", res.Cleared, "pulled", res.Pulled,
		"conflicts", res.Conflicts, "deferred", res.Deferred, "quarantined", res.Quarantined)
	return res, nil
}

// push sends every dirty payload and records the acknowledgements. It
// returns the server revisions of refused payloads for reconciliation.
func (e *Engine) push(ctx context.Context, res *Result) ([]models.Payload, error) {
	dirty := e.items.DirtyPayloads()
	if len(dirty) == 0 {
		return nil, nil
	}

	pushedAt := make(map[string]time.Time, len(dirty))
	wire := make([]models.Payload, 0, len(dirty))
	for _, p := range dirty {
		sealed, err := e.items.Seal(p)
		if err != nil {
			// Typically a vault whose key is not here yet; retried next cycle.
			e.log.Warn(ctx, "payload held back from push", "uuid", p.UUID, "error", err)
			continue
		}
		w := sealed.Wire()
		w.LastSyncBegan = e.now()
		wire = append(wire, w)
		pushedAt[p.UUID] = p.DirtiedAt
	}
	if len(wire) == 0 {
		return nil, nil
	}

	out, err := e.tr.Push(ctx, wire)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	e.mu.Lock()
	e.state.LastPushFinished = e.now()
	e.mu.Unlock()
	res.Pushed = len(wire)

	acks := make([]items.Ack, 0, len(out.Saved))
	for _, s := range out.Saved {
		acks = append(acks, items.Ack{UUID: s.UUID, DirtiedAt: pushedAt[s.UUID], ServerUpdatedAt: s.ServerUpdatedAt})
	}
	cleared, err := e.items.Acknowledge(ctx, acks)
	if err != nil {
		return nil, fmt.Errorf("acknowledge: %w", err)
	}
	res.Cleared = cleared

	var serverSide []models.Payload
	for _, c := range out.Conflicts {
		if c.Server == nil {
			e.log.Warn(ctx, "push refused", "uuid", c.UUID, "reason", c.Reason)
			continue
		}
		serverSide = append(serverSide, *c.Server)
	}
	return serverSide, nil
}

// loadState restores the tombstone deferrals of an earlier run, once.
func (e *Engine) loadState(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}
	v, err := e.store.GetMeta(ctx, MetaDeferred)
	switch {
	case errors.Is(err, common.ErrorNotFound):
	case err != nil:
		return fmt.Errorf("read deferred tombstones: %w", err)
	default:
		since := make(map[string]time.Time)
		if err := json.Unmarshal(v, &since); err != nil {
			return fmt.Errorf("decode deferred tombstones: %w", err)
		}
		e.state.DeferredSince = since
	}
	e.loaded = true
	return nil
}

func (e *Engine) cursor(ctx context.Context) (string, error) {
	v, err := e.store.GetMeta(ctx, MetaCursor)
	if errors.Is(err, common.ErrorNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return string(v), nil
}

// apply decrypts, reconciles and commits incoming together with the new
// cursor. A batch invalidated by a concurrent local edit is recomputed.
func (e *Engine) apply(ctx context.Context, incoming []models.Payload, cursor string, res *Result) error {
	opened := e.open(ctx, incoming)

	touched := make([]string, 0, len(opened))
	for _, p := range opened {
		touched = append(touched, p.UUID)
	}

	for attempt := 1; ; attempt++ {
		snap := e.items.Snapshot(touched)
		e.mu.Lock()
		st := State{LastPushFinished: e.state.LastPushFinished, DeferredSince: cloneTimes(e.state.DeferredSince)}
		e.mu.Unlock()

		now := e.now()
		delta := e.reconciler.Compute(func(uuid string) (models.Payload, bool) {
			p, ok := snap[uuid]
			return p, ok
		}, opened, st, now)

		deferred := deferredAfter(st.DeferredSince, delta)
		blob, err := json.Marshal(deferred)
		if err != nil {
			return fmt.Errorf("encode deferred tombstones: %w", err)
		}

		batch := items.RemoteBatch{
			Puts:     append(append(append([]models.Payload(nil), delta.Inserted...), delta.Updated...), delta.Quarantined...),
			Advances: delta.Advanced,
			Discards: delta.Deleted,
			Meta:     map[string][]byte{MetaCursor: []byte(cursor), MetaDeferred: blob},
			Expect:   snap,
			Touched:  touched,
		}
		for _, c := range delta.Conflicted {
			batch.Advances = append(batch.Advances, c.Local)
			batch.Puts = append(batch.Puts, c.Duplicate)
		}
		for _, dp := range delta.Displaced {
			batch.Puts = append(batch.Puts, dp.Remote, dp.Moved)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		_, err = e.items.ApplyRemote(ctx, batch)
		if errors.Is(err, common.ErrStaleUpdate) && attempt < staleRetries {
			e.log.Debug(ctx, "local edit during reconcile, recomputing", "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("apply remote: %w", err)
		}

		e.mu.Lock()
		e.state.DeferredSince = deferred
		e.mu.Unlock()
		res.Inserted += len(delta.Inserted)
		res.Updated += len(delta.Updated)
		res.Deleted += len(delta.Deleted)
		res.Conflicts += len(delta.Conflicted) + len(delta.Displaced)
		res.Deferred += len(delta.Deferred)
		res.Quarantined += len(delta.Quarantined) + len(delta.Displaced)
		metrics.Conflicts.Add(float64(len(delta.Conflicted) + len(delta.Displaced)))
		metrics.Quarantined.Add(float64(len(delta.Quarantined) + len(delta.Displaced)))
		for _, c := range delta.Conflicted {
			e.log.Info(ctx, "conflict kept as duplicate", "uuid", c.Local.UUID, "duplicate", c.Duplicate.UUID)
		}
		for _, dp := range delta.Displaced {
			e.log.Info(ctx, "local edit moved aside for unreadable remote", "uuid", dp.Remote.UUID, "duplicate", dp.Moved.UUID)
		}
		return nil
	}
}

// open decrypts incoming payloads, ItemsKeys first so that items they
// protect in the same batch can be read. Failures are flagged, not dropped.
func (e *Engine) open(ctx context.Context, incoming []models.Payload) []models.Payload {
	out := make([]models.Payload, len(incoming))
	decrypt := func(i int) bool {
		p := incoming[i]
		dec, err := e.keys.DecryptPayload(p)
		if err != nil {
			e.log.Warn(ctx, "remote payload quarantined", "uuid", p.UUID, "error", err)
			out[i] = p.Quarantined()
			return false
		}
		out[i] = dec
		return true
	}
	for i, p := range incoming {
		if p.ContentType == models.ContentTypeItemsKey && decrypt(i) {
			e.keys.LearnItemsKeys(out[i])
		}
	}
	for i, p := range incoming {
		if p.ContentType != models.ContentTypeItemsKey {
			decrypt(i)
		}
	}
	return out
}

// deferredAfter returns the deferral start times that remain once d is
// applied. A uuid resolved any other way stops being deferred.
func deferredAfter(prev map[string]time.Time, d Delta) map[string]time.Time {
	next := cloneTimes(prev)
	for _, uuid := range d.Deleted {
		delete(next, uuid)
	}
	for _, group := range [][]models.Payload{d.Inserted, d.Updated, d.Advanced, d.Quarantined} {
		for _, p := range group {
			delete(next, p.UUID)
		}
	}
	for _, c := range d.Conflicted {
		delete(next, c.Local.UUID)
	}
	for _, dp := range d.Displaced {
		delete(next, dp.Remote.UUID)
	}
	for _, df := range d.Deferred {
		next[df.UUID] = df.Since
	}
	return next
}

func cloneTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Backoff bounds the delay between failed cycles.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 5 * time.Minute, Factor: 2, Jitter: 0.2}
}

func (b Backoff) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		return b.Max
	}
	return n
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*b.Jitter))
}

// RunLoop syncs every interval and whenever wake fires, until ctx ends.
// While a cycle fails and local changes are waiting, it retries sooner
// with exponential backoff instead of waiting the full interval.
func (e *Engine) RunLoop(ctx context.Context, interval time.Duration, b Backoff, wake <-chan struct{}) error {
	delay := b.Initial
	for {
		wait := interval
		if _, err := e.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn(ctx, "sync failed", "error", err, "dirty", e.items.DirtyCount())
			if e.items.DirtyCount() > 0 {
				wait = min(b.jitter(delay), interval)
				delay = b.next(delay)
			}
		} else {
			delay = b.Initial
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
