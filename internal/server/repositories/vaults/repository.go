// Package vaults stores shared vaults and their membership.
package vaults

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type Repository interface {
	// Create returns ErrVaultExists when the id is taken.
	Create(ctx context.Context, v *models.SharedVault) error
	// Get returns common.ErrorNotFound for vaults that were never shared.
	Get(ctx context.Context, id string) (*models.SharedVault, error)
	// PutMember adds a member or changes its permission.
	PutMember(ctx context.Context, m models.VaultMember) error
	RemoveMember(ctx context.Context, vaultID, userID string) error
	// Member returns common.ErrorNotFound for non-members.
	Member(ctx context.Context, vaultID, userID string) (*models.VaultMember, error)
	Members(ctx context.Context, vaultID string) ([]models.VaultMember, error)
}
