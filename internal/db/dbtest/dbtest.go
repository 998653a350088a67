// Package dbtest opens a migrated throwaway SQLite database for tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sentinelops/internal/db"
)

func Open(t testing.TB) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sentinelops.db")
	conn, err := db.Open(context.Background(), db.SQLite, dsn, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn, db.SQLite))
	return conn
}
