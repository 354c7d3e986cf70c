// Package collection holds the live items of a session and the secondary
// indices over them. Every mutation updates the indices incrementally and
// notifies registered observers with the change it made.
package collection

import (
	"iter"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/predicate"
)

// Source tells observers where a change came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceLoad   Source = "load"
)

// Change is the delta a mutation applied.
type Change struct {
	Source   Source
	Inserted []*models.Item
	Updated  []*models.Item
	Removed  []*models.Item
}

func (c Change) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type Observer func(Change)

type Collection struct {
	mu     sync.RWMutex
	items  map[string]*models.Item
	byType map[models.ContentType]map[string]struct{}
	byRef  map[string]map[string]struct{}
	tags   *TagIndex

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

func New() *Collection {
	return &Collection{
		items:     make(map[string]*models.Item),
		byType:    make(map[models.ContentType]map[string]struct{}),
		byRef:     make(map[string]map[string]struct{}),
		tags:      newTagIndex(),
		observers: make(map[int]Observer),
	}
}

// Observe registers fn for every future change and returns a function
// removing it.
func (c *Collection) Observe(fn Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Collection) notify(ch Change) {
	if ch.Empty() {
		return
	}
	c.obsMu.Lock()
	fns := make([]Observer, 0, len(c.observers))
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// Upsert makes p the current payload for its uuid.
func (c *Collection) Upsert(p models.Payload) *models.Item {
	ch := c.Apply(SourceLocal, []models.Payload{p}, nil)
	if len(ch.Inserted) > 0 {
		return ch.Inserted[0]
	}
	return ch.Updated[0]
}

// Discard removes uuid entirely. Discarding an unknown uuid is a no-op.
func (c *Collection) Discard(uuid string) {
	c.Apply(SourceLocal, nil, []string{uuid})
}

// Apply upserts and discards in one step and notifies observers once.
func (c *Collection) Apply(src Source, upserts []models.Payload, discards []string) Change {
	ch := Change{Source: src}

	c.mu.Lock()
	for _, p := range upserts {
		it := models.NewItem(p)
		if old, ok := c.items[p.UUID]; ok {
			c.unindex(old)
			ch.Updated = append(ch.Updated, it)
		} else {
			ch.Inserted = append(ch.Inserted, it)
		}
		c.items[p.UUID] = it
		c.index(it)
	}
	for _, uuid := range discards {
		old, ok := c.items[uuid]
		if !ok {
			continue
		}
		c.unindex(old)
		delete(c.items, uuid)
		ch.Removed = append(ch.Removed, old)
	}
	c.mu.Unlock()

	c.notify(ch)
	return ch
}

func (c *Collection) index(it *models.Item) {
	set, ok := c.byType[it.ContentType()]
	if !ok {
		set = make(map[string]struct{})
		c.byType[it.ContentType()] = set
	}
	set[it.UUID()] = struct{}{}

	for _, ref := range it.References() {
		refs, ok := c.byRef[ref.UUID]
		if !ok {
			refs = make(map[string]struct{})
			c.byRef[ref.UUID] = refs
		}
		refs[it.UUID()] = struct{}{}
	}
	c.tags.add(it)
}

func (c *Collection) unindex(it *models.Item) {
	if set, ok := c.byType[it.ContentType()]; ok {
		delete(set, it.UUID())
		if len(set) == 0 {
			delete(c.byType, it.ContentType())
		}
	}
	for _, ref := range it.References() {
		if refs, ok := c.byRef[ref.UUID]; ok {
			delete(refs, it.UUID())
			if len(refs) == 0 {
				delete(c.byRef, ref.UUID)
			}
		}
	}
	c.tags.remove(it)
}

func (c *Collection) Find(uuid string) (*models.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[uuid]
	return it, ok
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// All returns every item, tombstones and quarantined ones included.
func (c *Collection) All() []*models.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	return out
}

// ByContentType returns the live items of type ct.
func (c *Collection) ByContentType(ct models.ContentType) []*models.Item {
	return slices.Collect(c.Query(nil, OfType(ct)))
}

// ReferencingUUIDs lists the items pointing at uuid.
func (c *Collection) ReferencingUUIDs(uuid string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byRef[uuid]))
	for u := range c.byRef[uuid] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

type queryOptions struct {
	contentType    models.ContentType
	vault          *string
	includeDeleted bool
	includeErrored bool
}

type QueryOption func(*queryOptions)

func OfType(ct models.ContentType) QueryOption {
	return func(o *queryOptions) { o.contentType = ct }
}

// InVault restricts results to one key system; "" selects account items.
func InVault(systemIdentifier string) QueryOption {
	return func(o *queryOptions) { o.vault = &systemIdentifier }
}

func IncludeDeleted() QueryOption {
	return func(o *queryOptions) { o.includeDeleted = true }
}

func IncludeErrored() QueryOption {
	return func(o *queryOptions) { o.includeErrored = true }
}

// Query lazily yields the items matching p. Each iteration walks the
// collection as it is at that moment; items changed or removed while
// iterating are seen in their current state or skipped.
func (c *Collection) Query(p predicate.Predicate, opts ...QueryOption) iter.Seq[*models.Item] {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(yield func(*models.Item) bool) {
		for _, uuid := range c.candidates(o.contentType) {
			it, ok := c.Find(uuid)
			if !ok {
				continue
			}
			if it.Deleted() && !o.includeDeleted {
				continue
			}
			if it.ErrorDecrypting() && !o.includeErrored {
				continue
			}
			if o.vault != nil && it.KeySystemIdentifier() != *o.vault {
				continue
			}
			if p != nil && !predicate.Evaluate(p, c.Projection(it)) {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}
}

func (c *Collection) candidates(ct models.ContentType) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	if ct != "" {
		out = make([]string, 0, len(c.byType[ct]))
		for u := range c.byType[ct] {
			out = append(out, u)
		}
	} else {
		out = make([]string, 0, len(c.items))
		for u := range c.items {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out
}

// Projection is the item's own projection plus the tags holding it.
func (c *Collection) Projection(it *models.Item) map[string]any {
	m := it.Projection()
	if it.ContentType() != models.ContentTypeNote {
		return m
	}
	tags := c.TagsForNote(it.UUID())
	list := make([]any, 0, len(tags))
	for _, tag := range tags {
		list = append(list, tag.Projection())
	}
	m["tags"] = list
	return m
}
