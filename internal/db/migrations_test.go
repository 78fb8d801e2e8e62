package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))
	// idempotent
	require.NoError(t, ApplyMigrations(ctx, db))

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`).Scan(&name))

	var applied int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, len(migrations), applied)

	require.NoError(t, RollbackAll(ctx, db))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sessions'`).Scan(&count))
	require.Zero(t, count)
}

func TestLiveMuxNameIsUnique(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))

	now := time.Now().UTC().Format(time.RFC3339Nano)
	insert := `INSERT INTO sessions(session_id, profile, status, mux_name, created_at, updated_at) VALUES (?, 'plain', ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, insert, "a", "running", "h1", now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "b", "pending", "h1", now, now)
	require.Error(t, err)
	require.True(t, isUniqueErr(err))

	// terminal rows do not hold the name
	_, err = db.ExecContext(ctx, insert, "c", "failed", "h1", now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "d", "running", "", now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "e", "running", "", now, now)
	require.NoError(t, err)
}

func TestStatusCheckConstraint(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO sessions(session_id, profile, status, created_at, updated_at) VALUES ('x', 'plain', 'zombie', ?, ?)`, now, now)
	require.Error(t, err)
}
