// Package terminal multiplexes interactive shells inside environments over
// websocket connections.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/engine"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/service/auth"
	"github.com/Eliobros/mozhost-mz/internal/ws"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Authorizer validates capability tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (auth.Identity, error)
}

// Store reads environment records.
type Store interface {
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
}

// Locker serializes attaches against lifecycle operations on the same
// environment. The returned func releases the lock.
type Locker interface {
	LockEnvironment(id string) func()
}

type noopLocker struct{}

func (noopLocker) LockEnvironment(string) func() { return func() {} }

// Conn is the client side of a terminal channel.
type Conn interface {
	Sender
	Read() (ws.Event, error)
}

// Config tunes shell sessions.
type Config struct {
	Shell       []string
	WorkingDir  string
	ExecTimeout time.Duration
}

// Service runs the attach protocol for one connection at a time.
type Service struct {
	auth     Authorizer
	store    Store
	engine   engine.Engine
	registry *Registry
	locker   Locker
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Service.
func New(authz Authorizer, store Store, eng engine.Engine, registry *Registry, cfg Config, logger *slog.Logger) *Service {
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"sh"}
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/app/code"
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		auth:     authz,
		store:    store,
		engine:   eng,
		registry: registry,
		locker:   noopLocker{},
		cfg:      cfg,
		logger:   logger.With("component", "terminal"),
	}
}

// SetLocker makes attaches wait out lifecycle operations holding the
// environment's lock.
func (s *Service) SetLocker(l Locker) {
	if l != nil {
		s.locker = l
	}
}

// ShellCommand splits a configured shell command line into argv.
func ShellCommand(line string) []string {
	return strings.Fields(line)
}

// Serve reads events from conn until it fails or closes. headerToken is the
// token presented on the upgrade request, if any. Whatever session is open
// when Serve returns is torn down before it returns.
func (s *Service) Serve(ctx context.Context, conn Conn, headerToken string) {
	var current *Session
	defer func() {
		if current != nil {
			current.Close()
		}
	}()

	for {
		ev, err := conn.Read()
		if err != nil {
			if !ws.IsClosure(err) {
				s.logger.Debug("terminal connection ended", "error", err)
			}
			return
		}
		switch ev.Type {
		case ws.TypeAttach:
			if current != nil {
				current.Detach()
				current = nil
			}
			sess, errEv := s.attach(ctx, conn, ev, headerToken)
			if errEv != nil {
				_ = conn.Send(*errEv)
				continue
			}
			current = sess
		case ws.TypeInput:
			if current == nil || !current.Active() {
				_ = conn.Send(ws.ErrorEvent(ws.ReasonNotAttached, "attach to an environment first"))
				continue
			}
			if _, err := current.Write([]byte(ev.Data)); err != nil {
				s.logger.Debug("shell write failed", "session_id", current.ID, "error", err)
			}
		case ws.TypeResize:
			if current == nil || !current.Active() {
				_ = conn.Send(ws.ErrorEvent(ws.ReasonNotAttached, "attach to an environment first"))
				continue
			}
			if ev.Cols == 0 || ev.Rows == 0 {
				_ = conn.Send(ws.ErrorEvent(ws.ReasonBadRequest, "cols and rows must be positive"))
				continue
			}
			resizeCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
			if err := current.Resize(resizeCtx, ev.Cols, ev.Rows); err != nil {
				s.logger.Debug("shell resize failed", "session_id", current.ID, "error", err)
			}
			cancel()
		case ws.TypeDetach:
			if current != nil {
				current.Detach()
				current = nil
			}
		default:
			_ = conn.Send(ws.ErrorEvent(ws.ReasonBadRequest, fmt.Sprintf("unknown event type %q", ev.Type)))
		}
	}
}

func (s *Service) attach(ctx context.Context, conn Conn, ev ws.Event, headerToken string) (*Session, *ws.Event) {
	fail := func(reason, message string) (*Session, *ws.Event) {
		errEv := ws.ErrorEvent(reason, message)
		errEv.EnvironmentID = ev.EnvironmentID
		return nil, &errEv
	}

	token := ev.Token
	if token == "" {
		token = headerToken
	}
	identity, err := s.auth.Authorize(ctx, token)
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			return fail(ws.ReasonUnauthorized, "invalid or missing token")
		}
		s.logger.Error("authorize terminal attach failed", "error", err)
		return fail(ws.ReasonInternal, "authorization unavailable")
	}
	if strings.TrimSpace(ev.EnvironmentID) == "" {
		return fail(ws.ReasonBadRequest, "environment_id is required")
	}

	// Held until the session is registered, so a concurrent delete either
	// sees and closes it or runs first and leaves nothing to attach to.
	unlock := s.locker.LockEnvironment(ev.EnvironmentID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	env, err := s.store.GetEnvironmentByID(ctx, ev.EnvironmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(ws.ReasonNotFound, "environment not found")
		}
		s.logger.Error("load environment for attach failed", "environment_id", ev.EnvironmentID, "error", err)
		return fail(ws.ReasonInternal, "failed to load environment")
	}
	if env.OwnerID != identity.UserID {
		s.logger.Warn("terminal attach denied", "environment_id", env.ID, "user_id", identity.UserID)
		return fail(ws.ReasonForbidden, "environment belongs to another user")
	}
	if env.Status != domain.StatusRunning || env.EngineHandle == "" {
		return fail(ws.ReasonNotRunning, fmt.Sprintf("environment is %s", env.Status))
	}

	cols, rows := ev.Cols, ev.Rows
	if cols == 0 || rows == 0 {
		cols, rows = defaultCols, defaultRows
	}
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	stream, err := s.engine.Exec(execCtx, env.EngineHandle, engine.ExecConfig{
		Cmd:        s.cfg.Shell,
		WorkingDir: s.cfg.WorkingDir,
		Env:        []string{"TERM=xterm-256color"},
		TTY:        true,
		Cols:       cols,
		Rows:       rows,
	})
	cancel()
	if err != nil {
		s.logger.Error("start shell failed", "environment_id", env.ID, "error", err)
		return fail(ws.ReasonExecFailed, "failed to start shell")
	}

	sess := &Session{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		OwnerID:       identity.UserID,
		exec:          stream,
		out:           conn,
		done:          make(chan struct{}),
		drained:       make(chan struct{}),
		registry:      s.registry,
		logger:        s.logger,
	}
	if err := s.registry.add(sess); err != nil {
		_ = stream.Close()
		return fail(ws.ReasonExecFailed, "server is shutting down")
	}
	unlock()
	locked = false

	sendErr := conn.Send(ws.Event{Type: ws.TypeAttached, EnvironmentID: env.ID, SessionID: sess.ID})
	go sess.pump()
	if sendErr != nil {
		sess.Close()
		return nil, nil
	}
	s.logger.Info("terminal session attached", "session_id", sess.ID, "environment_id", env.ID, "user_id", identity.UserID)
	return sess, nil
}
