package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, uuid string) (*models.Item, error) {
	query := `
		SELECT uuid, user_id, vault_id, deleted, server_updated_at, version, data
		FROM items
		WHERE uuid = $1
		FOR UPDATE
	`
	item := &models.Item{}
	err := r.db.QueryRowContext(ctx, query, uuid).Scan(
		&item.UUID, &item.UserID, &item.VaultID, &item.Deleted, &item.ServerUpdatedAt, &item.Version, &item.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return item, nil
}

func (r *PostgresRepository) Put(ctx context.Context, item *models.Item) error {
	query := `
		INSERT INTO items (uuid, user_id, vault_id, deleted, server_updated_at, version, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uuid)
		DO UPDATE SET
			vault_id = EXCLUDED.vault_id,
			deleted = EXCLUDED.deleted,
			server_updated_at = EXCLUDED.server_updated_at,
			version = EXCLUDED.version,
			data = EXCLUDED.data;
	`
	_, err := r.db.ExecContext(ctx, query,
		item.UUID, item.UserID, item.VaultID, item.Deleted, item.ServerUpdatedAt, item.Version, item.Data)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) NextVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('item_version_seq')`).Scan(&v); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) ListVisible(ctx context.Context, userID string, afterVersion int64, afterUUID string, limit int) ([]*models.Item, error) {
	query := `
		SELECT i.uuid, i.user_id, i.vault_id, i.deleted, i.server_updated_at, i.version, i.data
		FROM items i
		LEFT JOIN shared_vaults v ON v.id = i.vault_id
		WHERE ((v.id IS NULL AND i.user_id = $1)
			OR EXISTS (SELECT 1 FROM vault_members m WHERE m.vault_id = i.vault_id AND m.user_id = $1))
		AND (i.version > $2 OR (i.version = $2 AND i.uuid > $3))
		ORDER BY i.version, i.uuid
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query, userID, afterVersion, afterUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()

	var result []*models.Item
	for rows.Next() {
		var item models.Item
		if err := rows.Scan(
			&item.UUID, &item.UserID, &item.VaultID, &item.Deleted, &item.ServerUpdatedAt, &item.Version, &item.Data,
		); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Restamp(ctx context.Context, vaultID string, version int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE items SET version = $2 WHERE vault_id = $1`, vaultID, version)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
