package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Eliobros/mozhost-mz/internal/engine"
	"github.com/Eliobros/mozhost-mz/internal/ws"
)

const (
	readBufferSize = 32 * 1024
	exitWait       = 5 * time.Second
	detachWait     = 2 * time.Second
)

// Sender delivers events to the client side of a session.
type Sender interface {
	Send(ws.Event) error
}

// Session binds one client connection to one shell process.
type Session struct {
	ID            string
	EnvironmentID string
	OwnerID       string

	exec     engine.Exec
	out      Sender
	registry *Registry
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
	mu        sync.Mutex
	reason    string
	detached  bool
}

// Write forwards client input to the shell.
func (s *Session) Write(p []byte) (int, error) {
	return s.exec.Write(p)
}

// Resize forwards a terminal size change.
func (s *Session) Resize(ctx context.Context, cols, rows uint) error {
	return s.exec.Resize(ctx, cols, rows)
}

// Close terminates the shell and drops the session from the registry.
// Only the first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.exec.Close(); err != nil {
			s.logger.Warn("terminate shell failed", "session_id", s.ID, "error", err)
		}
		s.registry.remove(s)
	})
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Terminate closes the session and reports reason to the client instead of
// an exit status.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.Close()
}

// Detach closes the session on behalf of its own client. Nothing more is
// sent for it, and Detach returns once the output pump has stopped writing
// to the connection.
func (s *Session) Detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.Close()

	select {
	case <-s.drained:
	case <-time.After(detachWait):
		s.logger.Warn("output pump did not stop after detach", "session_id", s.ID)
	}
}

func (s *Session) isDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *Session) terminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// pump copies shell output to the client until the stream ends, then emits
// exactly one terminal event and tears the session down. A detached session
// emits nothing further.
func (s *Session) pump() {
	defer s.registry.pumps.Done()
	defer close(s.drained)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.exec.Read(buf)
		if n > 0 && !s.isDetached() {
			if sendErr := s.out.Send(ws.Event{Type: ws.TypeOutput, Data: string(buf[:n])}); sendErr != nil {
				s.logger.Debug("output send failed", "session_id", s.ID, "error", sendErr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("shell stream ended", "session_id", s.ID, "error", err)
			}
			break
		}
	}

	if s.isDetached() {
		s.Close()
		s.logger.Info("terminal session detached", "session_id", s.ID, "environment_id", s.EnvironmentID)
		return
	}

	var final ws.Event
	if reason := s.terminationReason(); reason != "" {
		final = ws.ErrorEvent(ws.ReasonClosed, reason)
		final.EnvironmentID = s.EnvironmentID
		final.SessionID = s.ID
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), exitWait)
		code, err := s.exec.Wait(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("wait for shell exit failed", "session_id", s.ID, "error", err)
			code = -1
		}
		final = ws.ExitedEvent(s.EnvironmentID, s.ID, code)
	}
	_ = s.out.Send(final)
	s.Close()
	s.logger.Info("terminal session ended", "session_id", s.ID, "environment_id", s.EnvironmentID)
}
