package publickeys

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

func (r *PostgresRepository) Put(ctx context.Context, k models.PublicKeys) error {
	query := `
		INSERT INTO public_keys (user_id, enc_public, sign_public)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET enc_public = EXCLUDED.enc_public, sign_public = EXCLUDED.sign_public, updated_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, k.UserID, k.EncPublic, k.SignPublic); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.PublicKeys, error) {
	k := &models.PublicKeys{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, enc_public, sign_public FROM public_keys WHERE user_id = $1`, userID).
		Scan(&k.UserID, &k.EncPublic, &k.SignPublic)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return k, nil
}
