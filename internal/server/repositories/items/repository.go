// Package items stores the server's copy of item revisions and answers
// pull queries.
package items

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type Repository interface {
	// Get returns common.ErrorNotFound when uuid was never pushed. Inside a
	// transaction the row stays locked until commit.
	Get(ctx context.Context, uuid string) (*models.Item, error)
	// Put inserts or replaces an item. The owning user of an existing item
	// never changes.
	Put(ctx context.Context, item *models.Item) error
	// NextVersion draws from the server-wide change sequence.
	NextVersion(ctx context.Context) (int64, error)
	// ListVisible returns items userID may read, ordered by (version, uuid),
	// strictly after the given position.
	ListVisible(ctx context.Context, userID string, afterVersion int64, afterUUID string, limit int) ([]*models.Item, error)
	// Restamp moves every item of a vault to version so that members who
	// joined late pull them.
	Restamp(ctx context.Context, vaultID string, version int64) (int64, error)
}
