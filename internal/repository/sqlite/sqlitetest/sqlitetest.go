// Package sqlitetest provides a migrated, file-backed SQLite repository for tests.
package sqlitetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eliobros/mozhost-mz/internal/app/migrate"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite"
)

// New opens a fresh database in a temp dir and applies the embedded migrations.
func New(t testing.TB) *sqlite.Repository {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "mozhost.db"))
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { db.Close() })

	runner, err := migrate.New(db.DB, migrate.DriverSQLite, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "failed to configure migrations")
	require.NoError(t, runner.Ensure(context.Background()), "failed to run migrations")

	return sqlite.New(db)
}

// SeedUser inserts a user with the given quota.
func SeedUser(t testing.TB, repo *sqlite.Repository, id, username string, maxEnvironments int) *domain.User {
	t.Helper()
	user := &domain.User{ID: id, Username: username, MaxEnvironments: maxEnvironments, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.UpsertUser(context.Background(), user))
	return user
}
