package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

func saveHistory(ctx context.Context, tx dbx.DBTX, h models.HistoryEntry) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	query := `INSERT INTO history (id, item_uuid, recorded_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`
	_, err = tx.ExecContext(ctx, query, h.ID, h.ItemUUID, h.RecordedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("failed to save history entry %s: %w", h.ID, err)
	}
	return nil
}

func deleteHistory(ctx context.Context, tx dbx.DBTX, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete history entry %s: %w", id, err)
	}
	return nil
}

func loadHistory(ctx context.Context, db dbx.DBTX) ([]models.HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT data FROM history ORDER BY item_uuid, recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select history: %w", err)
	}
	defer rows.Close()

	var result []models.HistoryEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var h models.HistoryEntry
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		result = append(result, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
