package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Eliobros/mozhost-mz/internal/engine"
)

const execPollInterval = 100 * time.Millisecond

// Exec starts an interactive process in the container and attaches to it.
func (c *Client) Exec(ctx context.Context, handle string, cfg engine.ExecConfig) (engine.Exec, error) {
	if len(cfg.Cmd) == 0 {
		return nil, fmt.Errorf("exec command cannot be empty")
	}
	var session *execSession
	err := c.traced(ctx, "engine.exec", handle, func(ctx context.Context) error {
		opts := container.ExecOptions{
			Tty:          cfg.TTY,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			WorkingDir:   cfg.WorkingDir,
		}
		if cfg.Cols > 0 && cfg.Rows > 0 {
			opts.ConsoleSize = &[2]uint{cfg.Rows, cfg.Cols}
		}
		created, err := c.inner.ContainerExecCreate(ctx, handle, opts)
		if err != nil {
			return translate(err, "exec create in %q", handle)
		}
		attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
			Tty:         cfg.TTY,
			ConsoleSize: opts.ConsoleSize,
		})
		if err != nil {
			return translate(err, "exec attach in %q", handle)
		}
		session = newExecSession(c, handle, created.ID, attach, cfg.TTY)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

type execSession struct {
	client *Client
	handle string
	execID string
	conn   types.HijackedResponse
	reader io.Reader

	closeOnce sync.Once
	closeErr  error
}

func newExecSession(c *Client, handle, execID string, attach types.HijackedResponse, tty bool) *execSession {
	s := &execSession{client: c, handle: handle, execID: execID, conn: attach}
	if tty {
		s.reader = attach.Reader
		return s
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()
	s.reader = pr
	return s
}

func (s *execSession) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *execSession) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *execSession) Resize(ctx context.Context, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal size must be positive")
	}
	return s.client.traced(ctx, "engine.exec.resize", s.handle, func(ctx context.Context) error {
		return translate(s.client.inner.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Width: cols, Height: rows}), "exec resize")
	})
}

func (s *execSession) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		info, err := s.client.inner.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, translate(err, "exec inspect")
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close detaches from the process and kills it if it is still running.
// Repeated calls return the result of the first.
func (s *execSession) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		s.closeErr = s.client.traced(ctx, "engine.exec.kill", s.handle, s.kill)
	})
	return s.closeErr
}

func (s *execSession) kill(ctx context.Context) error {
	info, err := s.client.inner.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("exec inspect: %w", err)
	}
	if !info.Running || info.Pid <= 0 {
		return nil
	}
	killer, err := s.client.inner.ContainerExecCreate(ctx, s.handle, container.ExecOptions{
		Cmd: []string{"kill", "-9", strconv.Itoa(info.Pid)},
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("create kill exec: %w", err)
	}
	if err := s.client.inner.ContainerExecStart(ctx, killer.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start kill exec: %w", err)
	}
	return nil
}
