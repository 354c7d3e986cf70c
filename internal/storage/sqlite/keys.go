package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
)

func saveKey(ctx context.Context, tx dbx.DBTX, k storage.WrappedKey) error {
	query := `INSERT INTO wrapped_keys (uuid, system_identifier, epoch, state, enc_key, nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			state = excluded.state,
			enc_key = excluded.enc_key,
			nonce = excluded.nonce`
	_, err := tx.ExecContext(ctx, query, k.UUID, k.SystemIdentifier, k.Epoch, k.State, k.EncKey, k.Nonce,
		k.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save key %s: %w", k.UUID, err)
	}
	return nil
}

func deleteKey(ctx context.Context, tx dbx.DBTX, uuid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM wrapped_keys WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", uuid, err)
	}
	return nil
}

func loadKeys(ctx context.Context, db dbx.DBTX) ([]storage.WrappedKey, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT uuid, system_identifier, epoch, state, enc_key, nonce, created_at FROM wrapped_keys ORDER BY system_identifier, epoch`)
	if err != nil {
		return nil, fmt.Errorf("failed to select keys: %w", err)
	}
	defer rows.Close()

	var result []storage.WrappedKey
	for rows.Next() {
		var k storage.WrappedKey
		var created string
		if err := rows.Scan(&k.UUID, &k.SystemIdentifier, &k.Epoch, &k.State, &k.EncKey, &k.Nonce, &created); err != nil {
			return nil, err
		}
		k.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key timestamp: %w", err)
		}
		result = append(result, k)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
