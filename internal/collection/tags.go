package collection

import (
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophnotes/internal/models"
)

// TagIndex maps notes to the tags referencing them and parent tags to their
// children. It is maintained under the collection lock.
type TagIndex struct {
	noteTags map[string]map[string]struct{}
	children map[string]map[string]struct{}
}

func newTagIndex() *TagIndex {
	return &TagIndex{
		noteTags: make(map[string]map[string]struct{}),
		children: make(map[string]map[string]struct{}),
	}
}

func (t *TagIndex) add(it *models.Item) {
	tag, ok := it.Tag()
	if !ok {
		return
	}
	for _, ref := range tag.References {
		if ref.ContentType == models.ContentTypeNote {
			link(t.noteTags, ref.UUID, it.UUID())
		}
	}
	if tag.ParentUUID != "" {
		link(t.children, tag.ParentUUID, it.UUID())
	}
}

func (t *TagIndex) remove(it *models.Item) {
	tag, ok := it.Tag()
	if !ok {
		return
	}
	for _, ref := range tag.References {
		if ref.ContentType == models.ContentTypeNote {
			unlink(t.noteTags, ref.UUID, it.UUID())
		}
	}
	if tag.ParentUUID != "" {
		unlink(t.children, tag.ParentUUID, it.UUID())
	}
}

func link(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func unlink(m map[string]map[string]struct{}, from, to string) {
	if set, ok := m[from]; ok {
		delete(set, to)
		if len(set) == 0 {
			delete(m, from)
		}
	}
}

// TagsForNote returns the live tags referencing noteUUID, ordered by title.
func (c *Collection) TagsForNote(noteUUID string) []*models.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.Item
	for tagUUID := range c.tags.noteTags[noteUUID] {
		if it, ok := c.items[tagUUID]; ok && !it.Deleted() {
			out = append(out, it)
		}
	}
	sortByTitle(out)
	return out
}

// NotesInTag returns the live notes of a tag, and with recursive also those
// of every descendant tag. Cycles in the parent graph are tolerated.
func (c *Collection) NotesInTag(tagUUID string, recursive bool) []*models.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := map[string]struct{}{}
	seenNotes := map[string]struct{}{}
	queue := []string{tagUUID}
	var out []*models.Item

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}

		if it, ok := c.items[cur]; ok {
			if tag, ok := it.Tag(); ok {
				for _, ref := range tag.References {
					if ref.ContentType != models.ContentTypeNote {
						continue
					}
					if _, dup := seenNotes[ref.UUID]; dup {
						continue
					}
					note, ok := c.items[ref.UUID]
					if !ok || note.Deleted() {
						continue
					}
					seenNotes[ref.UUID] = struct{}{}
					out = append(out, note)
				}
			}
		}

		if !recursive {
			break
		}
		for child := range c.tags.children[cur] {
			queue = append(queue, child)
		}
	}
	sortByTitle(out)
	return out
}

// Ancestors walks parent links from tagUUID upwards, nearest first. The walk
// stops at a missing parent or when it would revisit a tag.
func (c *Collection) Ancestors(tagUUID string) []*models.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	visited := map[string]struct{}{tagUUID: {}}
	var out []*models.Item

	cur := tagUUID
	for {
		it, ok := c.items[cur]
		if !ok {
			break
		}
		tag, ok := it.Tag()
		if !ok || tag.ParentUUID == "" {
			break
		}
		if _, seen := visited[tag.ParentUUID]; seen {
			break
		}
		parent, ok := c.items[tag.ParentUUID]
		if !ok || parent.Deleted() {
			break
		}
		visited[tag.ParentUUID] = struct{}{}
		out = append(out, parent)
		cur = tag.ParentUUID
	}
	return out
}

func sortByTitle(items []*models.Item) {
	slices.SortFunc(items, func(a, b *models.Item) int {
		if c := strings.Compare(strings.ToLower(a.Title()), strings.ToLower(b.Title())); c != 0 {
			return c
		}
		return strings.Compare(a.UUID(), b.UUID())
	})
}
