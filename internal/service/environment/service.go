package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/catalog"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/engine"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/service/ports"
	"github.com/Eliobros/mozhost-mz/internal/workspace"
	"github.com/Eliobros/mozhost-mz/pkg/config"
	"github.com/Eliobros/mozhost-mz/pkg/crypto"
)

const (
	// DefaultLogTail is used when a caller does not ask for a specific tail.
	DefaultLogTail = 100
	// MaxLogTail caps the number of log lines returned.
	MaxLogTail = 5000

	labelEnvironment = "mozhost.environment"
	labelOwner       = "mozhost.owner"
	workingDir       = "/app"
)

// SessionCloser tears down interactive sessions attached to an environment.
type SessionCloser interface {
	CloseEnvironment(envID string)
}

// CreateInput encapsulates environment creation attributes.
type CreateInput struct {
	OwnerID string
	Name    string
	Kind    string
	Env     map[string]string
}

// Config carries the lifecycle tunables.
type Config struct {
	DomainSuffix           string
	ContainerPrefix        string
	MountTarget            string
	DefaultCPU             float64
	DefaultMemoryMB        int64
	DefaultMaxEnvironments int
	EngineTimeout          time.Duration
}

// ConfigFromAPI extracts the lifecycle settings from the service configuration.
func ConfigFromAPI(cfg config.APIConfig) Config {
	return Config{
		DomainSuffix:           cfg.DomainSuffix,
		ContainerPrefix:        cfg.ContainerPrefix,
		MountTarget:            cfg.MountTarget,
		DefaultCPU:             cfg.DefaultCPULimit,
		DefaultMemoryMB:        int64(cfg.DefaultMemoryLimitMB),
		DefaultMaxEnvironments: cfg.DefaultMaxEnvironments,
		EngineTimeout:          cfg.EngineTimeout,
	}
}

// Deps groups the collaborators of the lifecycle manager.
type Deps struct {
	Environments repository.EnvironmentRepository
	Users        repository.UserRepository
	Engine       engine.Engine
	Ports        *ports.Allocator
	Workspace    *workspace.Manager
	Catalog      *catalog.Catalog
	Sealer       *crypto.Sealer
	Logger       *slog.Logger
}

// Service drives environments through their lifecycle and keeps the
// registry consistent with the container engine.
type Service struct {
	envs      repository.EnvironmentRepository
	users     repository.UserRepository
	engine    engine.Engine
	ports     *ports.Allocator
	workspace *workspace.Manager
	catalog   *catalog.Catalog
	sealer    *crypto.Sealer
	sessions  SessionCloser
	locks     *keyedMutex
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a lifecycle manager.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Environments == nil:
		return nil, errors.New("environment repository is required")
	case deps.Users == nil:
		return nil, errors.New("user repository is required")
	case deps.Engine == nil:
		return nil, errors.New("engine is required")
	case deps.Ports == nil:
		return nil, errors.New("port allocator is required")
	case deps.Workspace == nil:
		return nil, errors.New("workspace manager is required")
	case deps.Sealer == nil:
		return nil, errors.New("sealer is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 30 * time.Second
	}
	if cfg.MountTarget == "" {
		cfg.MountTarget = "/app/code"
	}
	if cfg.DefaultMaxEnvironments <= 0 {
		cfg.DefaultMaxEnvironments = 2
	}
	return &Service{
		envs:      deps.Environments,
		users:     deps.Users,
		engine:    deps.Engine,
		ports:     deps.Ports,
		workspace: deps.Workspace,
		catalog:   deps.Catalog,
		sealer:    deps.Sealer,
		locks:     newKeyedMutex(),
		cfg:       cfg,
		logger:    deps.Logger.With("component", "environment"),
		now:       time.Now,
	}, nil
}

// SetSessionCloser registers the session registry notified on delete.
func (s *Service) SetSessionCloser(closer SessionCloser) {
	s.sessions = closer
}

// LockEnvironment takes the lifecycle lock for id. Terminal attaches hold it
// while they register a session so Delete cannot race them.
func (s *Service) LockEnvironment(id string) func() {
	return s.locks.Lock(id)
}

// Create provisions a new environment and leaves it stopped.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Environment, error) {
	const op = "environment.create"

	name := strings.TrimSpace(input.Name)
	if !namePattern.MatchString(name) {
		return nil, apperr.Validation(op, "name must be 3-100 characters of letters, digits, spaces, '-' or '_'")
	}
	kind, ok := s.catalog.Get(input.Kind)
	if !ok {
		return nil, apperr.Validation(op, fmt.Sprintf("unknown kind %q", input.Kind)).
			WithHint("supported kinds: %s", strings.Join(s.catalog.Names(), ", "))
	}
	for key := range input.Env {
		if !envKeyPattern.MatchString(key) {
			return nil, apperr.Validation(op, fmt.Sprintf("invalid environment variable name %q", key))
		}
	}

	owner, err := s.users.GetUserByID(ctx, input.OwnerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound(op, "owner not found")
		}
		return nil, fmt.Errorf("%s: load owner: %w", op, err)
	}
	limit := owner.MaxEnvironments
	if limit <= 0 {
		limit = s.cfg.DefaultMaxEnvironments
	}
	if err := s.checkQuota(ctx, op, owner.ID, limit); err != nil {
		return nil, err
	}

	if _, err := s.envs.FindEnvironmentByOwnerAndName(ctx, owner.ID, name); err == nil {
		return nil, apperr.Conflict(op, fmt.Sprintf("an environment named %q already exists", name))
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s: check name: %w", op, err)
	}

	domainName := DeriveDomain(owner.Username, name, s.cfg.DomainSuffix)
	if domainName == "" {
		return nil, apperr.Validation(op, "name does not produce a usable domain")
	}
	if _, err := s.envs.FindEnvironmentByDomain(ctx, domainName); err == nil {
		return nil, apperr.Conflict(op, fmt.Sprintf("domain %s is already taken", domainName)).
			WithHint("choose a different environment name")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s: check domain: %w", op, err)
	}

	sealed, err := s.sealer.Seal(input.Env)
	if err != nil {
		return nil, fmt.Errorf("%s: seal environment variables: %w", op, err)
	}

	now := s.now().UTC()
	env := &domain.Environment{
		ID:           uuid.NewString(),
		OwnerID:      owner.ID,
		Name:         name,
		Kind:         kind.Name,
		Status:       domain.StatusBuilding,
		InternalPort: kind.InternalPort,
		Domain:       domainName,
		ResourceLimits: domain.ResourceLimits{
			CPU:      s.cfg.DefaultCPU,
			MemoryMB: s.cfg.DefaultMemoryMB,
		},
		EnvVars:   sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Reservations are serialized, so recounting here keeps concurrent
	// creates by one owner within quota.
	_, err = s.ports.Reserve(ctx, func(ctx context.Context, port int) error {
		if err := s.checkQuota(ctx, op, owner.ID, limit); err != nil {
			return err
		}
		env.HostPort = port
		return s.envs.CreateEnvironment(ctx, env)
	})
	if err != nil {
		env.HostPort = 0
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Wrap(apperr.ErrConflict, op, err, "environment name, domain or port already in use")
		}
		return nil, err
	}

	if err := s.provision(ctx, env, kind); err != nil {
		s.rollback(ctx, env)
		return nil, apperr.Runtime(op, err, "failed to provision environment").
			WithHint("check the container engine and retry")
	}

	s.logger.Info("environment created",
		"environment_id", env.ID,
		"owner_id", env.OwnerID,
		"kind", env.Kind,
		"host_port", env.HostPort,
		"domain", env.Domain,
	)
	return env, nil
}

func (s *Service) provision(ctx context.Context, env *domain.Environment, kind catalog.Kind) error {
	vars, err := s.sealer.Open(env.EnvVars)
	if err != nil {
		return fmt.Errorf("open environment variables: %w", err)
	}
	if err := s.workspace.Scaffold(env.ID, kind.Files); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	mount, err := s.workspace.Path(env.ID)
	if err != nil {
		return err
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()
	handle, err := s.engine.Create(engineCtx, engine.CreateConfig{
		Name:          ContainerName(s.cfg.ContainerPrefix, env.ID),
		Image:         kind.Image,
		Cmd:           kind.Command,
		Env:           containerEnv(kind.InternalPort, vars),
		WorkingDir:    workingDir,
		InternalPort:  kind.InternalPort,
		HostPort:      env.HostPort,
		MountSource:   mount,
		MountTarget:   s.cfg.MountTarget,
		CPULimit:      env.ResourceLimits.CPU,
		MemoryLimitMB: env.ResourceLimits.MemoryMB,
		Labels: map[string]string{
			labelEnvironment: env.ID,
			labelOwner:       env.OwnerID,
		},
	})
	if err != nil {
		return fmt.Errorf("create engine resource: %w", err)
	}
	env.EngineHandle = handle
	return s.transition(ctx, env, domain.StatusStopped)
}

// rollback undoes a partially created environment so it never keeps a port.
func (s *Service) rollback(ctx context.Context, env *domain.Environment) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("environment_id", env.ID)
	if env.EngineHandle != "" {
		engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
		if err := s.engine.Remove(engineCtx, env.EngineHandle); err != nil && !errors.Is(err, engine.ErrNotFound) {
			log.Warn("rollback: remove engine resource failed", "error", err)
		}
		cancel()
	}
	if err := s.envs.DeleteEnvironment(ctx, env.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error("rollback: delete record failed, marking environment as error", "error", err)
		s.markError(ctx, env)
	}
	if err := s.workspace.Purge(env.ID); err != nil {
		log.Warn("rollback: purge workspace failed", "error", err)
	}
}

// Get returns an environment owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*domain.Environment, error) {
	return s.owned(ctx, "environment.get", ownerID, id)
}

// List returns every environment owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Environment, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Validation("environment.list", "owner id required")
	}
	envs, err := s.envs.ListEnvironmentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("environment.list: %w", err)
	}
	return envs, nil
}

func (s *Service) checkQuota(ctx context.Context, op, ownerID string, limit int) error {
	count, err := s.envs.CountEnvironmentsByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("%s: count environments: %w", op, err)
	}
	if count >= limit {
		return apperr.Conflict(op, fmt.Sprintf("environment quota of %d reached", limit)).
			WithHint("delete an existing environment before creating a new one")
	}
	return nil
}

// Start boots a stopped or failed environment.
func (s *Service) Start(ctx context.Context, ownerID, id string) (*domain.Environment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	env, err := s.owned(ctx, "environment.start", ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := s.startLocked(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}

func (s *Service) startLocked(ctx context.Context, env *domain.Environment) error {
	const op = "environment.start"
	switch env.Status {
	case domain.StatusRunning:
		return apperr.Conflict(op, "environment is already running")
	case domain.StatusBuilding:
		return apperr.Conflict(op, "environment is still being created").
			WithHint("wait for creation to finish")
	}
	if env.EngineHandle == "" || env.HostPort == 0 {
		s.markError(ctx, env)
		return apperr.Runtime(op, engine.ErrNotFound, "environment has no engine resource").
			WithHint("recreate the environment")
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	err := s.engine.Start(engineCtx, env.EngineHandle)
	cancel()
	if err != nil {
		s.markError(ctx, env)
		s.logger.Error("environment start failed", "environment_id", env.ID, "error", err)
		appErr := apperr.Runtime(op, err, "failed to start environment")
		if errors.Is(err, engine.ErrNotFound) {
			return appErr.WithHint("recreate the environment")
		}
		return appErr.WithHint("inspect the environment logs and retry")
	}
	if err := s.transition(ctx, env, domain.StatusRunning); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info("environment started", "environment_id", env.ID, "host_port", env.HostPort)
	return nil
}

// Stop halts a running environment.
func (s *Service) Stop(ctx context.Context, ownerID, id string) (*domain.Environment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	env, err := s.owned(ctx, "environment.stop", ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := s.stopLocked(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}

func (s *Service) stopLocked(ctx context.Context, env *domain.Environment) error {
	const op = "environment.stop"
	switch env.Status {
	case domain.StatusStopped:
		return apperr.Conflict(op, "environment is already stopped")
	case domain.StatusBuilding:
		return apperr.Conflict(op, "environment is still being created")
	case domain.StatusError:
		return apperr.Conflict(op, "environment is in error state").
			WithHint("start or delete the environment")
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	err := s.engine.Stop(engineCtx, env.EngineHandle)
	cancel()
	if err != nil {
		s.markError(ctx, env)
		s.logger.Error("environment stop failed", "environment_id", env.ID, "error", err)
		appErr := apperr.Runtime(op, err, "failed to stop environment")
		if errors.Is(err, engine.ErrNotFound) {
			return appErr.WithHint("recreate the environment")
		}
		return appErr
	}
	if err := s.transition(ctx, env, domain.StatusStopped); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info("environment stopped", "environment_id", env.ID)
	return nil
}

// Restart stops the environment if needed and starts it again. The result is
// either running or error.
func (s *Service) Restart(ctx context.Context, ownerID, id string) (*domain.Environment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	env, err := s.owned(ctx, "environment.restart", ownerID, id)
	if err != nil {
		return nil, err
	}
	switch env.Status {
	case domain.StatusBuilding:
		return env, apperr.Conflict("environment.restart", "environment is still being created")
	case domain.StatusRunning:
		if err := s.stopLocked(ctx, env); err != nil {
			return env, err
		}
	case domain.StatusError:
		if env.EngineHandle != "" {
			engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
			if err := s.engine.Stop(engineCtx, env.EngineHandle); err != nil {
				s.logger.Debug("restart: stop before start failed", "environment_id", env.ID, "error", err)
			}
			cancel()
		}
	}
	if err := s.startLocked(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}

// Delete removes the environment, its engine resource and its data directory.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	const op = "environment.delete"
	unlock := s.locks.Lock(id)
	defer unlock()

	env, err := s.owned(ctx, op, ownerID, id)
	if err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.CloseEnvironment(env.ID)
	}

	if env.EngineHandle != "" {
		engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
		defer cancel()
		if env.Status == domain.StatusRunning {
			if err := s.engine.Stop(engineCtx, env.EngineHandle); err != nil {
				s.logger.Debug("delete: stop failed", "environment_id", env.ID, "error", err)
			}
		}
		if err := s.engine.Remove(engineCtx, env.EngineHandle); err != nil && !errors.Is(err, engine.ErrNotFound) {
			s.markError(ctx, env)
			return apperr.Runtime(op, err, "failed to remove engine resource").
				WithHint("retry the delete")
		}
	}

	if err := s.envs.DeleteEnvironment(ctx, env.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%s: delete record: %w", op, err)
	}
	if err := s.workspace.Purge(env.ID); err != nil {
		s.logger.Warn("delete: purge workspace failed", "environment_id", env.ID, "error", err)
	}
	s.logger.Info("environment deleted", "environment_id", env.ID, "released_port", env.HostPort)
	return nil
}

// Logs returns the last tail lines of the environment's output.
func (s *Service) Logs(ctx context.Context, ownerID, id string, tail int) ([]string, error) {
	const op = "environment.logs"
	env, err := s.owned(ctx, op, ownerID, id)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	if tail > MaxLogTail {
		tail = MaxLogTail
	}
	if env.EngineHandle == "" {
		return []string{}, nil
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()
	lines, err := s.engine.Logs(engineCtx, env.EngineHandle, tail)
	if err != nil {
		appErr := apperr.Runtime(op, err, "failed to read logs")
		if errors.Is(err, engine.ErrNotFound) {
			return nil, appErr.WithHint("recreate the environment")
		}
		return nil, appErr
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// Stats samples resource usage of a running environment.
func (s *Service) Stats(ctx context.Context, ownerID, id string) (domain.Stats, error) {
	const op = "environment.stats"
	env, err := s.owned(ctx, op, ownerID, id)
	if err != nil {
		return domain.Stats{}, err
	}
	if env.Status != domain.StatusRunning {
		return domain.Stats{}, apperr.Conflict(op, "environment is not running").
			WithHint("start the environment first")
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()
	st, err := s.engine.Stats(engineCtx, env.EngineHandle)
	if err != nil {
		return domain.Stats{}, apperr.Runtime(op, err, "failed to read stats")
	}
	return domain.Stats{
		CPUPercent:    st.CPUPercent,
		MemoryUsage:   st.MemoryUsage,
		MemoryLimit:   st.MemoryLimit,
		MemoryPercent: st.MemoryPercent,
	}, nil
}

// ReconcileOutcome reports what ReconcileStatus did with a record.
type ReconcileOutcome int

const (
	ReconcileSkipped ReconcileOutcome = iota
	ReconcileHealthy
	ReconcileMarked
)

// ReconcileStatus compares a record believed running against the engine and
// moves it to error when the resource is missing or not running. The record is
// re-read under the environment lock, so user operations never interleave.
func (s *Service) ReconcileStatus(ctx context.Context, id string) (ReconcileOutcome, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	env, err := s.envs.GetEnvironmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ReconcileSkipped, nil
		}
		return ReconcileSkipped, fmt.Errorf("load environment %s: %w", id, err)
	}
	if env.Status != domain.StatusRunning || env.EngineHandle == "" {
		return ReconcileSkipped, nil
	}

	engineCtx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	state, err := s.engine.Inspect(engineCtx, env.EngineHandle)
	cancel()
	if err != nil {
		return ReconcileSkipped, fmt.Errorf("inspect environment %s: %w", id, err)
	}
	if state.Exists && state.Running {
		return ReconcileHealthy, nil
	}
	if err := s.transition(ctx, env, domain.StatusError); err != nil {
		return ReconcileSkipped, err
	}
	s.logger.Warn("environment drifted from engine state",
		"environment_id", env.ID,
		"exists", state.Exists,
		"engine_status", state.Status,
	)
	return ReconcileMarked, nil
}

func (s *Service) owned(ctx context.Context, op, ownerID, id string) (*domain.Environment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.NotFound(op, "environment not found")
	}
	env, err := s.envs.GetEnvironmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound(op, "environment not found")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if env.OwnerID != ownerID {
		return nil, apperr.NotFound(op, "environment not found")
	}
	return env, nil
}

func (s *Service) transition(ctx context.Context, env *domain.Environment, to domain.Status) error {
	if !domain.CanTransition(env.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s", env.Status, to)
	}
	prev, prevUpdated := env.Status, env.UpdatedAt
	env.Status = to
	env.UpdatedAt = s.now().UTC()
	if err := s.envs.UpdateEnvironment(ctx, env); err != nil {
		env.Status, env.UpdatedAt = prev, prevUpdated
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	return nil
}

// markError records a failure. It runs detached from ctx so a cancelled
// request still leaves an explicit status behind.
func (s *Service) markError(ctx context.Context, env *domain.Environment) {
	if env.Status == domain.StatusError {
		return
	}
	if err := s.transition(context.WithoutCancel(ctx), env, domain.StatusError); err != nil {
		s.logger.Error("failed to mark environment as error", "environment_id", env.ID, "error", err)
	}
}

func containerEnv(internalPort int, vars map[string]string) []string {
	out := []string{"NODE_ENV=production", "PORT=" + strconv.Itoa(internalPort)}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
