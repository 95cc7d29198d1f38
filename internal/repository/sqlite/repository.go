package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
)

// Repository implements persistence interfaces on an embedded SQLite file,
// for single-host installs and tests.
type Repository struct {
	db *DB
}

// New constructs a Repository.
func New(db *DB) *Repository {
	return &Repository{db: db}
}

var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
)

const environmentColumns = `id, owner_id, name, kind, status, engine_handle, host_port, internal_port,
	domain, cpu_limit, memory_limit_mb, env_vars, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, max_environments, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by display name.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, max_environments, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UpsertUser inserts or refreshes a user record.
func (r *Repository) UpsertUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, max_environments, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, max_environments = excluded.max_environments`
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.MaxEnvironments, user.CreatedAt.UTC())
	return mapWriteError(err)
}

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.MaxEnvironments, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateEnvironment inserts an environment record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	query := `INSERT INTO environments (` + environmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		env.ID, env.OwnerID, env.Name, env.Kind, string(env.Status),
		nullString(env.EngineHandle), nullPort(env.HostPort), env.InternalPort,
		env.Domain, env.ResourceLimits.CPU, env.ResourceLimits.MemoryMB, env.EnvVars,
		env.CreatedAt.UTC(), env.UpdatedAt.UTC(),
	)
	return mapWriteError(err)
}

// GetEnvironmentByID fetches an environment by identifier.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	return scanEnvironment(r.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id))
}

// ListEnvironmentsByOwner returns every environment of one tenant.
func (r *Repository) ListEnvironmentsByOwner(ctx context.Context, ownerID string) ([]domain.Environment, error) {
	return r.queryEnvironments(ctx, `SELECT `+environmentColumns+` FROM environments WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
}

// ListEnvironmentsByStatus returns environments currently in status.
func (r *Repository) ListEnvironmentsByStatus(ctx context.Context, status domain.Status) ([]domain.Environment, error) {
	return r.queryEnvironments(ctx, `SELECT `+environmentColumns+` FROM environments WHERE status = ? ORDER BY created_at`, string(status))
}

// CountEnvironmentsByOwner counts a tenant's environments.
func (r *Repository) CountEnvironmentsByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM environments WHERE owner_id = ?`, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// FindEnvironmentByOwnerAndName looks up an environment by its per-owner name.
func (r *Repository) FindEnvironmentByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Environment, error) {
	return scanEnvironment(r.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE owner_id = ? AND name = ?`, ownerID, name))
}

// FindEnvironmentByDomain looks up an environment by routable hostname.
func (r *Repository) FindEnvironmentByDomain(ctx context.Context, domainName string) (*domain.Environment, error) {
	return scanEnvironment(r.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE domain = ?`, domainName))
}

// FindEnvironmentByPort looks up the environment holding a host port.
func (r *Repository) FindEnvironmentByPort(ctx context.Context, port int) (*domain.Environment, error) {
	return scanEnvironment(r.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE host_port = ?`, port))
}

// FindRunningByUsernameAndName resolves a running environment by owner display name.
func (r *Repository) FindRunningByUsernameAndName(ctx context.Context, username, name string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments
		WHERE owner_id = (SELECT id FROM users WHERE lower(username) = lower(?))
		AND lower(name) = lower(?) AND status = ?`
	return scanEnvironment(r.db.QueryRowContext(ctx, query, username, name, string(domain.StatusRunning)))
}

// ListRunningByName returns running environments carrying name, ignoring case.
func (r *Repository) ListRunningByName(ctx context.Context, name string) ([]domain.Environment, error) {
	return r.queryEnvironments(ctx, `SELECT `+environmentColumns+` FROM environments WHERE lower(name) = lower(?) AND status = ?`, name, string(domain.StatusRunning))
}

// ListAssignedPorts returns the host ports in [min, max] held by any environment.
func (r *Repository) ListAssignedPorts(ctx context.Context, min, max int) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT host_port FROM environments
		WHERE host_port IS NOT NULL AND host_port BETWEEN ? AND ? ORDER BY host_port`, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// UpdateEnvironment persists mutable fields of an environment.
func (r *Repository) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `UPDATE environments
		SET status = ?, engine_handle = ?, host_port = ?, cpu_limit = ?, memory_limit_mb = ?, env_vars = ?, updated_at = ?
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		string(env.Status), nullString(env.EngineHandle), nullPort(env.HostPort),
		env.ResourceLimits.CPU, env.ResourceLimits.MemoryMB, env.EnvVars, env.UpdatedAt.UTC(), env.ID,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return requireAffected(res)
}

// DeleteEnvironment removes an environment record, releasing its port.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *Repository) queryEnvironments(ctx context.Context, query string, args ...any) ([]domain.Environment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

func scanEnvironment(row scanner) (*domain.Environment, error) {
	var (
		env    domain.Environment
		status string
		handle sql.NullString
		port   sql.NullInt64
	)
	err := row.Scan(&env.ID, &env.OwnerID, &env.Name, &env.Kind, &status, &handle, &port, &env.InternalPort,
		&env.Domain, &env.ResourceLimits.CPU, &env.ResourceLimits.MemoryMB, &env.EnvVars, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	env.Status = domain.Status(status)
	env.EngineHandle = handle.String
	if port.Valid {
		env.HostPort = int(port.Int64)
	}
	return &env, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullPort(port int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(port), Valid: port > 0}
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	}
	return err
}
