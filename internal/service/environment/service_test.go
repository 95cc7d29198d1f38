package environment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/catalog"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/engine/fake"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite/sqlitetest"
	"github.com/Eliobros/mozhost-mz/internal/service/ports"
	"github.com/Eliobros/mozhost-mz/internal/workspace"
	"github.com/Eliobros/mozhost-mz/pkg/crypto"
)

const testSuffix = "mozhost.test"

type harness struct {
	svc       *Service
	repo      *sqlite.Repository
	engine    *fake.Engine
	workspace *workspace.Manager
	closed    *recordingCloser
}

type recordingCloser struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingCloser) CloseEnvironment(envID string) {
	r.mu.Lock()
	r.ids = append(r.ids, envID)
	r.mu.Unlock()
}

func newHarness(t *testing.T, minPort, maxPort int) *harness {
	t.Helper()
	repo := sqlitetest.New(t)
	eng := fake.New()
	alloc, err := ports.New(repo, minPort, maxPort)
	require.NoError(t, err)
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	sealer, err := crypto.NewSealer("test-secret")
	require.NoError(t, err)

	svc, err := New(Deps{
		Environments: repo,
		Users:        repo,
		Engine:       eng,
		Ports:        alloc,
		Workspace:    ws,
		Catalog:      catalog.Default(),
		Sealer:       sealer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{
		DomainSuffix:    testSuffix,
		ContainerPrefix: "mozhost_",
		MountTarget:     "/app/code",
		DefaultCPU:      0.5,
		DefaultMemoryMB: 512,
		EngineTimeout:   5 * time.Second,
	})
	require.NoError(t, err)
	closer := &recordingCloser{}
	svc.SetSessionCloser(closer)
	return &harness{svc: svc, repo: repo, engine: eng, workspace: ws, closed: closer}
}

func (h *harness) create(t *testing.T, owner, name string) *domain.Environment {
	t.Helper()
	env, err := h.svc.Create(context.Background(), CreateInput{OwnerID: owner, Name: name, Kind: "nodejs"})
	require.NoError(t, err)
	return env
}

func TestCreateDerivesDomainAndAssignsPort(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u-alice", "alice", 2)

	env, err := h.svc.Create(context.Background(), CreateInput{
		OwnerID: "u-alice",
		Name:    "bot1",
		Kind:    "nodejs",
		Env:     map[string]string{"API_KEY": "secret"},
	})
	require.NoError(t, err)
	require.Equal(t, "alice-bot1."+testSuffix, env.Domain)
	require.Equal(t, domain.StatusStopped, env.Status)
	require.GreaterOrEqual(t, env.HostPort, 4000)
	require.LessOrEqual(t, env.HostPort, 4010)
	require.Equal(t, 3000, env.InternalPort)
	require.NotEmpty(t, env.EngineHandle)
	require.NotEmpty(t, env.EnvVars)

	stored, err := h.repo.GetEnvironmentByID(context.Background(), env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, stored.Status)
	require.Equal(t, env.HostPort, stored.HostPort)

	c, ok := h.engine.Container(env.EngineHandle)
	require.True(t, ok)
	require.Equal(t, "mozhost_"+env.ID, c.Config.Name)
	require.Equal(t, "node:18-alpine", c.Config.Image)
	require.Equal(t, "/app", c.Config.WorkingDir)
	require.Equal(t, "/app/code", c.Config.MountTarget)
	require.Equal(t, env.HostPort, c.Config.HostPort)
	require.Equal(t, int64(512), c.Config.MemoryLimitMB)
	require.Equal(t, []string{"NODE_ENV=production", "PORT=3000", "API_KEY=secret"}, c.Config.Env)
	require.Equal(t, env.ID, c.Config.Labels["mozhost.environment"])
	require.Equal(t, "u-alice", c.Config.Labels["mozhost.owner"])

	dir, err := h.workspace.Path(env.ID)
	require.NoError(t, err)
	require.Equal(t, dir, c.Config.MountSource)
	_, err = os.Stat(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "index.js"))
	require.NoError(t, err)

	other := h.create(t, "u-alice", "bot2")
	require.NotEqual(t, env.HostPort, other.HostPort)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 5)
	ctx := context.Background()

	cases := []CreateInput{
		{OwnerID: "u1", Name: "ab", Kind: "nodejs"},
		{OwnerID: "u1", Name: "bad/name", Kind: "nodejs"},
		{OwnerID: "u1", Name: "valid", Kind: "cobol"},
		{OwnerID: "u1", Name: "valid", Kind: "python", Env: map[string]string{"1BAD": "x"}},
	}
	for _, input := range cases {
		_, err := h.svc.Create(ctx, input)
		require.ErrorIs(t, err, apperr.ErrValidation, "input %+v", input)
	}

	_, err := h.svc.Create(ctx, CreateInput{OwnerID: "nobody", Name: "valid", Kind: "nodejs"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateQuotaAndDuplicates(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	ctx := context.Background()

	h.create(t, "u1", "one")
	_, err := h.svc.Create(ctx, CreateInput{OwnerID: "u1", Name: "one", Kind: "python"})
	require.ErrorIs(t, err, apperr.ErrConflict)

	h.create(t, "u1", "two")
	_, err = h.svc.Create(ctx, CreateInput{OwnerID: "u1", Name: "three", Kind: "nodejs"})
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.NotEmpty(t, apperr.Hint(err))
}

func TestCreateDomainCollisionAcrossOwners(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	sqlitetest.SeedUser(t, h.repo, "u2", "alice-bot", 2)

	h.create(t, "u1", "bot-one")
	_, err := h.svc.Create(context.Background(), CreateInput{OwnerID: "u2", Name: "one", Kind: "nodejs"})
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreateRollsBackOnEngineFailure(t *testing.T) {
	h := newHarness(t, 4000, 4000)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	h.engine.FailOn("create", errors.New("image pull failed"))

	_, err := h.svc.Create(context.Background(), CreateInput{OwnerID: "u1", Name: "bot1", Kind: "nodejs"})
	require.ErrorIs(t, err, apperr.ErrRuntime)

	assigned, err := h.repo.ListAssignedPorts(context.Background(), 4000, 4000)
	require.NoError(t, err)
	require.Empty(t, assigned)
	envs, err := h.repo.ListEnvironmentsByOwner(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, envs)
	entries, err := os.ReadDir(h.workspace.Root())
	require.NoError(t, err)
	require.Empty(t, entries)

	h.engine.FailOn("create", nil)
	env := h.create(t, "u1", "bot1")
	require.Equal(t, 4000, env.HostPort)
}

func TestStartStopTransitions(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	_, err := h.svc.Stop(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	started, err := h.svc.Start(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, started.Status)
	c, _ := h.engine.Container(env.EngineHandle)
	require.True(t, c.Running)

	_, err = h.svc.Start(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	stopped, err := h.svc.Stop(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, stopped.Status)
	require.True(t, stopped.UpdatedAt.After(env.CreatedAt) || stopped.UpdatedAt.Equal(env.CreatedAt))
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	sqlitetest.SeedUser(t, h.repo, "u2", "bob", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	_, err := h.svc.Start(ctx, "u2", env.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.svc.Get(ctx, "u2", env.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.ErrorIs(t, h.svc.Delete(ctx, "u2", env.ID), apperr.ErrNotFound)

	stored, err := h.repo.GetEnvironmentByID(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusStopped, stored.Status)
}

func TestStartWithVanishedResourceMarksError(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	h.engine.Vanish(env.EngineHandle)
	_, err := h.svc.Start(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrRuntime)
	require.Equal(t, "recreate the environment", apperr.Hint(err))

	stored, err := h.repo.GetEnvironmentByID(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, stored.Status)

	_, err = h.svc.Start(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrRuntime)
	require.NotErrorIs(t, err, apperr.ErrConflict)
}

func TestStartRetryAfterTransientFailure(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	h.engine.FailOn("start", errors.New("daemon busy"))
	failed, err := h.svc.Start(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrRuntime)
	require.Equal(t, domain.StatusError, failed.Status)

	h.engine.FailOn("start", nil)
	started, err := h.svc.Start(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, started.Status)
}

func TestRestart(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	restarted, err := h.svc.Restart(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, restarted.Status)

	restarted, err = h.svc.Restart(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, restarted.Status)

	h.engine.FailOn("start", errors.New("boom"))
	failed, err := h.svc.Restart(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrRuntime)
	require.Equal(t, domain.StatusError, failed.Status)

	h.engine.FailOn("start", nil)
	restarted, err = h.svc.Restart(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, restarted.Status)
}

func TestDeleteReleasesEverything(t *testing.T) {
	h := newHarness(t, 4000, 4000)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()
	_, err := h.svc.Start(ctx, "u1", env.ID)
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, "u1", env.ID))

	_, err = h.repo.GetEnvironmentByID(ctx, env.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, ok := h.engine.Container(env.EngineHandle)
	require.False(t, ok)
	dir, _ := h.workspace.Path(env.ID)
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, []string{env.ID}, h.closed.ids)
	require.Zero(t, h.svc.locks.Len())

	again := h.create(t, "u1", "bot2")
	require.Equal(t, 4000, again.HostPort)
}

func TestDeleteToleratesMissingResource(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	h.engine.Vanish(env.EngineHandle)

	require.NoError(t, h.svc.Delete(context.Background(), "u1", env.ID))
	_, err := h.repo.GetEnvironmentByID(context.Background(), env.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLogsAndStats(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	env := h.create(t, "u1", "bot1")
	ctx := context.Background()

	lines, err := h.svc.Logs(ctx, "u1", env.ID, 0)
	require.NoError(t, err)
	require.Empty(t, lines)

	h.engine.SetLogs(env.EngineHandle, "a", "b", "c")
	lines, err = h.svc.Logs(ctx, "u1", env.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, lines)

	_, err = h.svc.Stats(ctx, "u1", env.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.svc.Start(ctx, "u1", env.ID)
	require.NoError(t, err)
	st, err := h.svc.Stats(ctx, "u1", env.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(512*1024*1024), st.MemoryLimit)
}

func TestListScopedToOwner(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	sqlitetest.SeedUser(t, h.repo, "u2", "bob", 2)
	h.create(t, "u1", "bot1")
	h.create(t, "u2", "bot1")

	envs, err := h.svc.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, "u1", envs[0].OwnerID)
}

func TestReconcileStatus(t *testing.T) {
	h := newHarness(t, 4000, 4010)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	healthy := h.create(t, "u1", "healthy")
	crashed := h.create(t, "u1", "crashed")
	ctx := context.Background()
	_, err := h.svc.Start(ctx, "u1", healthy.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, "u1", crashed.ID)
	require.NoError(t, err)
	h.engine.Crash(crashed.EngineHandle)

	outcome, err := h.svc.ReconcileStatus(ctx, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, ReconcileHealthy, outcome)

	outcome, err = h.svc.ReconcileStatus(ctx, crashed.ID)
	require.NoError(t, err)
	require.Equal(t, ReconcileMarked, outcome)
	stored, err := h.repo.GetEnvironmentByID(ctx, crashed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, stored.Status)

	outcome, err = h.svc.ReconcileStatus(ctx, crashed.ID)
	require.NoError(t, err)
	require.Equal(t, ReconcileSkipped, outcome)

	h.engine.FailOn("inspect", errors.New("daemon down"))
	_, err = h.svc.ReconcileStatus(ctx, healthy.ID)
	require.Error(t, err)
	stored, err = h.repo.GetEnvironmentByID(ctx, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, stored.Status)
}

func TestConcurrentCreateOnSinglePortRange(t *testing.T) {
	h := newHarness(t, 4000, 4000)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)
	sqlitetest.SeedUser(t, h.repo, "u2", "bob", 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, owner := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			_, errs[i] = h.svc.Create(context.Background(), CreateInput{OwnerID: owner, Name: "bot1", Kind: "nodejs"})
		}(i, owner)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrResourceExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, exhausted)

	assigned, err := h.repo.ListAssignedPorts(context.Background(), 4000, 4000)
	require.NoError(t, err)
	require.Equal(t, []int{4000}, assigned)
}

func TestConcurrentCreateRespectsQuota(t *testing.T) {
	h := newHarness(t, 4000, 4020)
	sqlitetest.SeedUser(t, h.repo, "u1", "alice", 2)

	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "bot" + string(rune('a'+i))
			_, errs[i] = h.svc.Create(context.Background(), CreateInput{OwnerID: "u1", Name: name, Kind: "nodejs"})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	require.Equal(t, 2, ok)
	require.Equal(t, attempts-2, conflicts)

	count, err := h.repo.CountEnvironmentsByOwner(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
