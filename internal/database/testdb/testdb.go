// Package testdb opens isolated databases for tests.
package testdb

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mohammed-shakir/office-poi-cache/internal/database"
)

// MustOpen returns a private in-memory database migrated with models. The
// connection is closed via t.Cleanup.
func MustOpen(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	return finish(t, db, models)
}

// MustOpenFile returns a WAL-mode SQLite file under t.TempDir() with a pool of
// conns connections, so readers and writers really run side by side.
func MustOpenFile(t *testing.T, conns int, models ...any) *gorm.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "cache.db"),
		MaxOpenConns: conns,
		MaxIdleConns: conns,
	})
	require.NoError(t, err)
	return finish(t, db, models)
}

// PostgresDSNEnv names the variable holding a Postgres DSN for tests that
// need real READ COMMITTED semantics.
const PostgresDSNEnv = "POSTGRES_TEST_DSN"

// MustOpenPostgres connects to the database in PostgresDSNEnv, or skips the
// test when it is unset.
func MustOpenPostgres(t *testing.T, conns int, models ...any) *gorm.DB {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	db, err := database.Open(database.Config{
		Driver:       "postgres",
		DSN:          dsn,
		MaxOpenConns: conns,
	})
	require.NoError(t, err)
	return finish(t, db, models)
}

func finish(t *testing.T, db *gorm.DB, models []any) *gorm.DB {
	t.Helper()
	if len(models) > 0 {
		require.NoError(t, database.Migrate(db, models...))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
