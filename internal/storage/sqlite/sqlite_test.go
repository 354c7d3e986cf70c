package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	if err != nil {
		t.Fatalf("tableExists query failed: %v", err)
	}
	return n > 0
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "notes.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_CreatesTables(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"goose_db_version", "payloads", "history", "wrapped_keys", "metadata"} {
		if !tableExists(t, s.DB(), table) {
			t.Fatalf("expected table %s to exist after migrations", table)
		}
	}
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "app.db")

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(ctx, db))
	require.NoError(t, RunMigrations(ctx, db), "second run must be a no-op")
}

func TestCommit_RollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().ExecContext(ctx, `CREATE TRIGGER refuse BEFORE INSERT ON history BEGIN SELECT RAISE(ABORT, 'refused'); END`)
	require.NoError(t, err)

	err = s.Commit(ctx, storage.Batch{
		Payloads: []models.Payload{{UUID: "a", ContentType: models.ContentTypeNote}},
		History:  []models.HistoryEntry{{ID: "h", ItemUUID: "a"}},
	})
	require.Error(t, err)

	payloads, err := s.LoadPayloads(ctx)
	require.NoError(t, err)
	require.Empty(t, payloads, "payload write must roll back with the failed history write")
}

func TestReopen_KeepsData(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "notes.db")

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, storage.Batch{Payloads: []models.Payload{{UUID: "a", ContentType: models.ContentTypeNote, Dirty: true}}}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	payloads, err := s.LoadPayloads(ctx)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.True(t, payloads[0].Dirty)
}
