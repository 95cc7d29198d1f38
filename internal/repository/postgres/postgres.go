package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
)

const environmentColumns = `id, owner_id, name, kind, status, engine_handle, host_port, internal_port,
	domain, cpu_limit, memory_limit_mb, env_vars, created_at, updated_at`

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, max_environments, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByUsername retrieves a user by display name.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, max_environments, created_at FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// UpsertUser inserts or refreshes a user record.
func (r *Repository) UpsertUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, max_environments, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, max_environments = EXCLUDED.max_environments`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.MaxEnvironments, user.CreatedAt)
	return mapWriteError(err)
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.MaxEnvironments, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateEnvironment inserts an environment record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO environments (` + environmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		env.ID, env.OwnerID, env.Name, env.Kind, string(env.Status),
		nullString(env.EngineHandle), nullPort(env.HostPort), env.InternalPort,
		env.Domain, env.ResourceLimits.CPU, env.ResourceLimits.MemoryMB, env.EnvVars,
		env.CreatedAt, env.UpdatedAt,
	)
	return mapWriteError(err)
}

// GetEnvironmentByID fetches an environment by identifier.
func (r *Repository) GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	return scanEnvironment(r.pool.QueryRow(ctx, query, id))
}

// ListEnvironmentsByOwner returns every environment of one tenant.
func (r *Repository) ListEnvironmentsByOwner(ctx context.Context, ownerID string) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.queryEnvironments(ctx, query, ownerID)
}

// ListEnvironmentsByStatus returns environments currently in status.
func (r *Repository) ListEnvironmentsByStatus(ctx context.Context, status domain.Status) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE status = $1 ORDER BY created_at`
	return r.queryEnvironments(ctx, query, string(status))
}

// CountEnvironmentsByOwner counts a tenant's environments.
func (r *Repository) CountEnvironmentsByOwner(ctx context.Context, ownerID string) (int, error) {
	const query = `SELECT COUNT(1) FROM environments WHERE owner_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// FindEnvironmentByOwnerAndName looks up an environment by its per-owner name.
func (r *Repository) FindEnvironmentByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE owner_id = $1 AND name = $2`
	return scanEnvironment(r.pool.QueryRow(ctx, query, ownerID, name))
}

// FindEnvironmentByDomain looks up an environment by routable hostname.
func (r *Repository) FindEnvironmentByDomain(ctx context.Context, domainName string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE domain = $1`
	return scanEnvironment(r.pool.QueryRow(ctx, query, domainName))
}

// FindEnvironmentByPort looks up the environment holding a host port.
func (r *Repository) FindEnvironmentByPort(ctx context.Context, port int) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE host_port = $1`
	return scanEnvironment(r.pool.QueryRow(ctx, query, port))
}

// FindRunningByUsernameAndName resolves a running environment by owner display name.
func (r *Repository) FindRunningByUsernameAndName(ctx context.Context, username, name string) (*domain.Environment, error) {
	query := `SELECT ` + prefixed("e.") + ` FROM environments e
		JOIN users u ON u.id = e.owner_id
		WHERE lower(u.username) = lower($1) AND lower(e.name) = lower($2) AND e.status = $3`
	return scanEnvironment(r.pool.QueryRow(ctx, query, username, name, string(domain.StatusRunning)))
}

// ListRunningByName returns running environments carrying name, ignoring case.
func (r *Repository) ListRunningByName(ctx context.Context, name string) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE lower(name) = lower($1) AND status = $2`
	return r.queryEnvironments(ctx, query, name, string(domain.StatusRunning))
}

// ListAssignedPorts returns the host ports in [min, max] held by any environment.
func (r *Repository) ListAssignedPorts(ctx context.Context, min, max int) ([]int, error) {
	const query = `SELECT host_port FROM environments
		WHERE host_port IS NOT NULL AND host_port BETWEEN $1 AND $2 ORDER BY host_port`
	rows, err := r.pool.Query(ctx, query, min, max)
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
		SET status = $2, engine_handle = $3, host_port = $4, cpu_limit = $5, memory_limit_mb = $6,
			env_vars = $7, updated_at = $8
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		env.ID, string(env.Status), nullString(env.EngineHandle), nullPort(env.HostPort),
		env.ResourceLimits.CPU, env.ResourceLimits.MemoryMB, env.EnvVars, env.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteEnvironment removes an environment record, releasing its port.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryEnvironments(ctx context.Context, query string, args ...any) ([]domain.Environment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var (
		env    domain.Environment
		status string
		handle *string
		port   *int
	)
	err := row.Scan(&env.ID, &env.OwnerID, &env.Name, &env.Kind, &status, &handle, &port, &env.InternalPort,
		&env.Domain, &env.ResourceLimits.CPU, &env.ResourceLimits.MemoryMB, &env.EnvVars, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}
	env.Status = domain.Status(status)
	if handle != nil {
		env.EngineHandle = *handle
	}
	if port != nil {
		env.HostPort = *port
	}
	return &env, nil
}

func prefixed(alias string) string {
	return alias + `id, ` + alias + `owner_id, ` + alias + `name, ` + alias + `kind, ` + alias + `status, ` +
		alias + `engine_handle, ` + alias + `host_port, ` + alias + `internal_port, ` + alias + `domain, ` +
		alias + `cpu_limit, ` + alias + `memory_limit_mb, ` + alias + `env_vars, ` + alias + `created_at, ` +
		alias + `updated_at`
}

func nullString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullPort(port int) *int {
	if port <= 0 {
		return nil
	}
	return &port
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
