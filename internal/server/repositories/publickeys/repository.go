// Package publickeys stores the public key sets users publish for others
// to seal messages to them.
package publickeys

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type Repository interface {
	Put(ctx context.Context, k models.PublicKeys) error
	// Get returns common.ErrorNotFound when the user never published keys.
	Get(ctx context.Context, userID string) (*models.PublicKeys, error)
}
