package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Eliobros/mozhost-mz/db"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Runner wraps database migration capabilities.
type Runner struct {
	db       *sql.DB
	provider *goose.Provider
	driver   string
	log      *slog.Logger
	owned    bool
}

// Open returns a *sql.DB for driver. SQLite databases are opened with the
// same pragmas the repository uses.
func Open(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	switch driver {
	case DriverPostgres:
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		return conn, nil
	case DriverSQLite:
		conn, err := sqlite.Open(dsn)
		if err != nil {
			return nil, err
		}
		return conn.DB, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// New returns a migration runner backed by goose and the embedded migrations.
// The runner does not close conn.
func New(conn *sql.DB, driver string, log *slog.Logger) (Runner, error) {
	if conn == nil {
		return Runner{}, errors.New("nil database provided")
	}
	var dialect goose.Dialect
	switch driver {
	case DriverPostgres:
		dialect = goose.DialectPostgres
	case DriverSQLite:
		dialect = goose.DialectSQLite3
	default:
		return Runner{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	if log == nil {
		log = slog.Default()
	}
	fsys, err := fs.Sub(db.Migrations, "migrations/"+driver)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, conn, fsys)
	if err != nil {
		return Runner{}, fmt.Errorf("configure goose: %w", err)
	}
	return Runner{db: conn, provider: provider, driver: driver, log: log}, nil
}

// NewFromDSN opens its own connection and closes it on Close.
func NewFromDSN(driver, dsn string, log *slog.Logger) (Runner, error) {
	conn, err := Open(driver, dsn)
	if err != nil {
		return Runner{}, err
	}
	runner, err := New(conn, driver, log)
	if err != nil {
		conn.Close()
		return Runner{}, err
	}
	runner.owned = true
	return runner, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	r.log.Info("applying migrations", "driver", r.driver)
	results, err := r.provider.Up(runCtx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied", "count", len(results))
	return nil
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		version := int64(0)
		path := ""
		if st.Source != nil {
			version = st.Source.Version
			path = st.Source.Path
		}
		r.log.Info("migration status", "version", version, "path", path, "state", string(st.State), "applied_at", st.AppliedAt)
	}
	return nil
}

// Down rolls back migrations either to the previous version or a specific target version.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(runCtx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
	} else {
		r.log.Info("rolling back latest migration")
		if _, err := r.provider.Down(runCtx); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
	}

	r.log.Info("rollback complete")
	return nil
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the connection when the runner opened it. The provider's
// Close closes the connection it was handed, so shared connections are left alone.
func (r Runner) Close() error {
	if !r.owned || r.provider == nil {
		return nil
	}
	return r.provider.Close()
}
