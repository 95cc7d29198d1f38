package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite/sqlitetest"
)

func newEnv(id, owner, name string, port int, status domain.Status) *domain.Environment {
	now := time.Now().UTC()
	return &domain.Environment{
		ID:             id,
		OwnerID:        owner,
		Name:           name,
		Kind:           "nodejs",
		Status:         status,
		EngineHandle:   "handle-" + id,
		HostPort:       port,
		InternalPort:   3000,
		Domain:         name + "-" + id + ".example.test",
		ResourceLimits: domain.ResourceLimits{CPU: 0.5, MemoryMB: 512},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestEnvironmentRepository_CreateAndGet(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 2)
	ctx := context.Background()

	env := newEnv("e1", "u1", "bot1", 4000, domain.StatusStopped)
	env.EnvVars = []byte{1, 2, 3}
	require.NoError(t, repo.CreateEnvironment(ctx, env))

	got, err := repo.GetEnvironmentByID(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "bot1", got.Name)
	require.Equal(t, domain.StatusStopped, got.Status)
	require.Equal(t, 4000, got.HostPort)
	require.Equal(t, "handle-e1", got.EngineHandle)
	require.Equal(t, []byte{1, 2, 3}, got.EnvVars)
	require.Equal(t, 0.5, got.ResourceLimits.CPU)

	_, err = repo.GetEnvironmentByID(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEnvironmentRepository_UniqueConstraints(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 5)
	sqlitetest.SeedUser(t, repo, "u2", "bob", 5)
	ctx := context.Background()

	require.NoError(t, repo.CreateEnvironment(ctx, newEnv("e1", "u1", "bot1", 4000, domain.StatusStopped)))

	samePort := newEnv("e2", "u2", "other", 4000, domain.StatusStopped)
	require.ErrorIs(t, repo.CreateEnvironment(ctx, samePort), repository.ErrDuplicate)

	sameName := newEnv("e3", "u1", "bot1", 4001, domain.StatusStopped)
	require.ErrorIs(t, repo.CreateEnvironment(ctx, sameName), repository.ErrDuplicate)

	sameDomain := newEnv("e4", "u2", "x", 4002, domain.StatusStopped)
	sameDomain.Domain = "bot1-e1.example.test"
	require.ErrorIs(t, repo.CreateEnvironment(ctx, sameDomain), repository.ErrDuplicate)

	// Environments without a port do not collide with each other.
	a := newEnv("e5", "u2", "a", 0, domain.StatusBuilding)
	b := newEnv("e6", "u2", "b", 0, domain.StatusBuilding)
	require.NoError(t, repo.CreateEnvironment(ctx, a))
	require.NoError(t, repo.CreateEnvironment(ctx, b))
}

func TestEnvironmentRepository_Queries(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 5)
	sqlitetest.SeedUser(t, repo, "u2", "bob", 5)
	ctx := context.Background()

	require.NoError(t, repo.CreateEnvironment(ctx, newEnv("e1", "u1", "bot1", 4000, domain.StatusRunning)))
	require.NoError(t, repo.CreateEnvironment(ctx, newEnv("e2", "u2", "bot1", 4002, domain.StatusRunning)))
	require.NoError(t, repo.CreateEnvironment(ctx, newEnv("e3", "u2", "api", 4001, domain.StatusStopped)))

	ports, err := repo.ListAssignedPorts(ctx, 4000, 4001)
	require.NoError(t, err)
	require.Equal(t, []int{4000, 4001}, ports)

	count, err := repo.CountEnvironmentsByOwner(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	owned, err := repo.ListEnvironmentsByOwner(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, owned, 2)

	running, err := repo.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)

	byName, err := repo.ListRunningByName(ctx, "bot1")
	require.NoError(t, err)
	require.Len(t, byName, 2)

	env, err := repo.FindRunningByUsernameAndName(ctx, "Bob", "bot1")
	require.NoError(t, err)
	require.Equal(t, "e2", env.ID)

	_, err = repo.FindRunningByUsernameAndName(ctx, "bob", "api")
	require.ErrorIs(t, err, repository.ErrNotFound)

	env, err = repo.FindEnvironmentByPort(ctx, 4001)
	require.NoError(t, err)
	require.Equal(t, "e3", env.ID)

	env, err = repo.FindEnvironmentByOwnerAndName(ctx, "u1", "bot1")
	require.NoError(t, err)
	require.Equal(t, "e1", env.ID)

	env, err = repo.FindEnvironmentByDomain(ctx, "api-e3.example.test")
	require.NoError(t, err)
	require.Equal(t, "e3", env.ID)
}

func TestEnvironmentRepository_NameLookupsIgnoreCase(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 5)
	ctx := context.Background()

	require.NoError(t, repo.CreateEnvironment(ctx, newEnv("e1", "u1", "MyApp", 4000, domain.StatusRunning)))

	for _, name := range []string{"MyApp", "myapp", "MYAPP"} {
		byName, err := repo.ListRunningByName(ctx, name)
		require.NoError(t, err)
		require.Len(t, byName, 1, name)
		require.Equal(t, "e1", byName[0].ID)

		env, err := repo.FindRunningByUsernameAndName(ctx, "alice", name)
		require.NoError(t, err, name)
		require.Equal(t, "e1", env.ID)
	}
}

func TestEnvironmentRepository_UpdateAndDelete(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 5)
	ctx := context.Background()

	env := newEnv("e1", "u1", "bot1", 4000, domain.StatusStopped)
	require.NoError(t, repo.CreateEnvironment(ctx, env))

	env.Status = domain.StatusRunning
	env.UpdatedAt = time.Now().UTC().Add(time.Second)
	require.NoError(t, repo.UpdateEnvironment(ctx, env))

	got, err := repo.GetEnvironmentByID(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, got.Status)

	require.NoError(t, repo.DeleteEnvironment(ctx, "e1"))
	require.ErrorIs(t, repo.DeleteEnvironment(ctx, "e1"), repository.ErrNotFound)

	ports, err := repo.ListAssignedPorts(ctx, 4000, 5000)
	require.NoError(t, err)
	require.Empty(t, ports)

	missing := newEnv("nope", "u1", "x", 0, domain.StatusStopped)
	require.ErrorIs(t, repo.UpdateEnvironment(ctx, missing), repository.ErrNotFound)
}

func TestUserRepository(t *testing.T) {
	repo := sqlitetest.New(t)
	sqlitetest.SeedUser(t, repo, "u1", "alice", 3)
	ctx := context.Background()

	user, err := repo.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)
	require.Equal(t, 3, user.MaxEnvironments)

	_, err = repo.GetUserByID(ctx, "nobody")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
