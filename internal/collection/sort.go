package collection

import (
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophnotes/internal/models"
)

type SortBy string

const (
	SortByCreated SortBy = "created_at"
	SortByUpdated SortBy = "updated_at"
	SortByTitle   SortBy = "title"
)

// Sorted returns items ordered by key; pinned items always come first.
func Sorted(items []*models.Item, key SortBy, desc bool) []*models.Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b *models.Item) int {
		if a.Pinned() != b.Pinned() {
			if a.Pinned() {
				return -1
			}
			return 1
		}

		var c int
		switch key {
		case SortByTitle:
			c = strings.Compare(strings.ToLower(a.Title()), strings.ToLower(b.Title()))
		case SortByUpdated:
			c = a.UpdatedAt().Compare(b.UpdatedAt())
		default:
			c = a.CreatedAt().Compare(b.CreatedAt())
		}
		if desc {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.UUID(), b.UUID())
		}
		return c
	})
	return out
}
