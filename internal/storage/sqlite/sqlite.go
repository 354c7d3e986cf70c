// Package sqlite is the SQLite-backed storage.Store of the client, on the
// pure-Go modernc.org/sqlite driver with goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophnotes/internal/dbx"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/storage/sqlite/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if needed) the database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection so ":memory:" databases are shared by every query
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Commit(ctx context.Context, b storage.Batch) error {
	if b.Empty() {
		return nil
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, p := range b.Payloads {
			if err := savePayload(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, id := range b.DeletePayloads {
			if err := deletePayload(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, h := range b.History {
			if err := saveHistory(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, id := range b.DeleteHistory {
			if err := deleteHistory(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, k := range b.Keys {
			if err := saveKey(ctx, tx, k); err != nil {
				return err
			}
		}
		for _, id := range b.DeleteKeys {
			if err := deleteKey(ctx, tx, id); err != nil {
				return err
			}
		}
		for k, v := range b.Meta {
			if err := setMeta(ctx, tx, k, v); err != nil {
				return err
			}
		}
		for _, k := range b.DeleteMeta {
			if err := deleteMeta(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadPayloads(ctx context.Context) ([]models.Payload, error) {
	return loadPayloads(ctx, s.db)
}

func (s *Store) LoadHistory(ctx context.Context) ([]models.HistoryEntry, error) {
	return loadHistory(ctx, s.db)
}

func (s *Store) LoadWrappedKeys(ctx context.Context) ([]storage.WrappedKey, error) {
	return loadKeys(ctx, s.db)
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, error) {
	return getMeta(ctx, s.db, key)
}

func (s *Store) ListMeta(ctx context.Context, prefix string) (map[string][]byte, error) {
	return listMeta(ctx, s.db, prefix)
}
