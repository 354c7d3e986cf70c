package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/vaults"
)

// VaultService manages shared vault membership. The server only knows who
// may read and write a vault's items; keys never reach it.
type VaultService struct {
	repomanager repomanager.RepositoryManager
	notifier    Notifier
	log         logging.Logger
}

func NewVaultService(m repomanager.RepositoryManager, n Notifier, l logging.Logger) *VaultService {
	if n == nil {
		n = nopNotifier{}
	}
	return &VaultService{repomanager: m, notifier: n, log: logging.OrNop(l).With("module", "vaults")}
}

// CreateSharedVault registers vaultID as shared with userID as its owner.
// Creating it again as the same owner is a no-op.
func (s *VaultService) CreateSharedVault(ctx context.Context, userID, vaultID string) error {
	if vaultID == "" {
		return fmt.Errorf("%w: empty vault id", common.ErrValidation)
	}
	return s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		err := r.Vaults().Create(ctx, &models.SharedVault{ID: vaultID, OwnerID: userID})
		if errors.Is(err, vaults.ErrVaultExists) {
			v, err := r.Vaults().Get(ctx, vaultID)
			if err != nil {
				return err
			}
			if v.OwnerID != userID {
				return common.ErrPermissionDenied
			}
			return nil
		}
		if err != nil {
			return err
		}
		return r.Vaults().PutMember(ctx, models.VaultMember{
			VaultID: vaultID, UserID: userID, Permission: string(domain.PermissionAdmin),
		})
	})
}

// AddMember grants memberID access to a vault. Existing vault items are
// restamped so the new member's next pull includes them.
func (s *VaultService) AddMember(ctx context.Context, userID, vaultID, memberID string, perm domain.Permission) error {
	if !perm.Valid() {
		return fmt.Errorf("%w: permission %q", common.ErrValidation, perm)
	}
	err := s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		if err := requireAdmin(ctx, r, userID, vaultID); err != nil {
			return err
		}
		exists, err := r.Users().Exists(ctx, memberID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("user %s: %w", memberID, common.ErrorNotFound)
		}
		if err := r.Vaults().PutMember(ctx, models.VaultMember{VaultID: vaultID, UserID: memberID, Permission: string(perm)}); err != nil {
			return err
		}
		version, err := r.Items().NextVersion(ctx)
		if err != nil {
			return err
		}
		_, err = r.Items().Restamp(ctx, vaultID, version)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "vault member added", "vault", vaultID, "member", memberID, "permission", perm)
	s.notifier.Notify(memberID)
	return nil
}

// RemoveMember revokes memberID's access. Admins may remove anyone but the
// owner; any member may remove itself.
func (s *VaultService) RemoveMember(ctx context.Context, userID, vaultID, memberID string) error {
	err := s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		v, err := r.Vaults().Get(ctx, vaultID)
		if err != nil {
			return err
		}
		if memberID == v.OwnerID {
			return common.ErrPermissionDenied
		}
		if userID != memberID {
			if err := requireAdmin(ctx, r, userID, vaultID); err != nil {
				return err
			}
		}
		return r.Vaults().RemoveMember(ctx, vaultID, memberID)
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "vault member removed", "vault", vaultID, "member", memberID)
	return nil
}

func requireAdmin(ctx context.Context, r repomanager.Repositories, userID, vaultID string) error {
	m, err := r.Vaults().Member(ctx, vaultID, userID)
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrPermissionDenied
	}
	if err != nil {
		return err
	}
	if domain.Permission(m.Permission) != domain.PermissionAdmin {
		return common.ErrPermissionDenied
	}
	return nil
}
