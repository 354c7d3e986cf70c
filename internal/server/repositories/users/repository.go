// Package users stores server accounts. The server keeps only the user name,
// the key derivation salt and the password verifier.
package users

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type Repository interface {
	// Create fills in ID and CreatedAt. It returns ErrUserExists when the
	// user name is taken.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	// GetByUserName returns common.ErrorNotFound for unknown names.
	GetByUserName(ctx context.Context, userName string) (*models.User, error)

	// Exists reports whether a user with the given id is registered.
	Exists(ctx context.Context, id string) (bool, error)
}
