package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

func savePayload(ctx context.Context, tx dbx.DBTX, p models.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	query := `INSERT INTO payloads (uuid, content_type, key_system_identifier, dirty, deleted, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			content_type = excluded.content_type,
			key_system_identifier = excluded.key_system_identifier,
			dirty = excluded.dirty,
			deleted = excluded.deleted,
			data = excluded.data`
	_, err = tx.ExecContext(ctx, query, p.UUID, string(p.ContentType), p.KeySystemIdentifier, p.Dirty, p.Deleted, data)
	if err != nil {
		return fmt.Errorf("failed to save payload %s: %w", p.UUID, err)
	}
	return nil
}

func deletePayload(ctx context.Context, tx dbx.DBTX, uuid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", uuid, err)
	}
	return nil
}

func loadPayloads(ctx context.Context, db dbx.DBTX) ([]models.Payload, error) {
	rows, err := db.QueryContext(ctx, `SELECT data FROM payloads ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to select payloads: %w", err)
	}
	defer rows.Close()

	var result []models.Payload
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p models.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		result = append(result, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
