package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

var ErrVaultExists = fmt.Errorf("vault %w", common.ErrAlreadyExists)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, v *models.SharedVault) error {
	query := `
		INSERT INTO shared_vaults (id, owner_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, v.ID, v.OwnerID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return ErrVaultExists
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.SharedVault, error) {
	v := &models.SharedVault{}
	err := r.db.QueryRowContext(ctx, `SELECT id, owner_id FROM shared_vaults WHERE id = $1`, id).Scan(&v.ID, &v.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) PutMember(ctx context.Context, m models.VaultMember) error {
	query := `
		INSERT INTO vault_members (vault_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (vault_id, user_id)
		DO UPDATE SET permission = EXCLUDED.permission
	`
	if _, err := r.db.ExecContext(ctx, query, m.VaultID, m.UserID, m.Permission); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveMember(ctx context.Context, vaultID, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vault_members WHERE vault_id = $1 AND user_id = $2`, vaultID, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Member(ctx context.Context, vaultID, userID string) (*models.VaultMember, error) {
	query := `
		SELECT vault_id, user_id, permission
		FROM vault_members
		WHERE vault_id = $1 AND user_id = $2
	`
	m := &models.VaultMember{}
	if err := r.db.QueryRowContext(ctx, query, vaultID, userID).Scan(&m.VaultID, &m.UserID, &m.Permission); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) Members(ctx context.Context, vaultID string) ([]models.VaultMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT vault_id, user_id, permission FROM vault_members WHERE vault_id = $1 ORDER BY user_id`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("failed to select members: %w", err)
	}
	defer rows.Close()

	var result []models.VaultMember
	for rows.Next() {
		var m models.VaultMember
		if err := rows.Scan(&m.VaultID, &m.UserID, &m.Permission); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
