// Package fake provides an in-memory engine for tests and local development.
package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Eliobros/mozhost-mz/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Container is the recorded state of a fake resource.
type Container struct {
	Handle  string
	Config  engine.CreateConfig
	Running bool
	Logs    []string
	Stats   engine.Stats
}

// Engine keeps containers in memory and can be told to fail specific operations.
type Engine struct {
	mu         sync.Mutex
	containers map[string]*Container
	failures   map[string]error
	execs      []*Exec
	unhealthy  error
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		containers: make(map[string]*Container),
		failures:   make(map[string]error),
	}
}

// FailOn makes every call to op ("create", "start", "stop", "remove",
// "inspect", "exec", "logs", "stats") return err. A nil err clears it.
func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// SetUnhealthy makes Ping fail with err.
func (e *Engine) SetUnhealthy(err error) {
	e.mu.Lock()
	e.unhealthy = err
	e.mu.Unlock()
}

// Container returns a copy of the container for handle.
func (e *Engine) Container(handle string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[handle]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Handles lists the handles of every live container.
func (e *Engine) Handles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.containers))
	for h := range e.containers {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Crash marks a container as stopped without going through Stop.
func (e *Engine) Crash(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[handle]; ok {
		c.Running = false
	}
}

// Vanish removes a container without going through Remove.
func (e *Engine) Vanish(handle string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, handle)
}

// SetLogs replaces the log lines for handle.
func (e *Engine) SetLogs(handle string, lines ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[handle]; ok {
		c.Logs = append([]string(nil), lines...)
	}
}

// Execs returns every exec opened so far.
func (e *Engine) Execs() []*Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Exec(nil), e.execs...)
}

func (e *Engine) fail(op string) error {
	if err, ok := e.failures[op]; ok {
		return err
	}
	return nil
}

func (e *Engine) lookup(handle string) (*Container, error) {
	c, ok := e.containers[handle]
	if !ok {
		return nil, fmt.Errorf("container %q: %w", handle, engine.ErrNotFound)
	}
	return c, nil
}

func (e *Engine) Create(_ context.Context, cfg engine.CreateConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("create"); err != nil {
		return "", err
	}
	for _, c := range e.containers {
		if c.Config.Name == cfg.Name {
			return "", fmt.Errorf("container name %q already in use", cfg.Name)
		}
	}
	handle := uuid.NewString()
	e.containers[handle] = &Container{Handle: handle, Config: cfg}
	return handle, nil
}

func (e *Engine) Start(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("start"); err != nil {
		return err
	}
	c, err := e.lookup(handle)
	if err != nil {
		return err
	}
	c.Running = true
	return nil
}

func (e *Engine) Stop(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("stop"); err != nil {
		return err
	}
	c, err := e.lookup(handle)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

func (e *Engine) Remove(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("remove"); err != nil {
		return err
	}
	delete(e.containers, handle)
	return nil
}

func (e *Engine) Inspect(_ context.Context, handle string) (engine.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("inspect"); err != nil {
		return engine.State{}, err
	}
	c, ok := e.containers[handle]
	if !ok {
		return engine.State{}, nil
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return engine.State{Exists: true, Running: c.Running, Status: status}, nil
}

func (e *Engine) Exec(_ context.Context, handle string, cfg engine.ExecConfig) (engine.Exec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("exec"); err != nil {
		return nil, err
	}
	c, err := e.lookup(handle)
	if err != nil {
		return nil, err
	}
	if !c.Running {
		return nil, fmt.Errorf("container %q is not running", handle)
	}
	x := newExec(handle, cfg)
	e.execs = append(e.execs, x)
	return x, nil
}

func (e *Engine) Logs(_ context.Context, handle string, tail int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("logs"); err != nil {
		return nil, err
	}
	c, err := e.lookup(handle)
	if err != nil {
		return nil, err
	}
	lines := c.Logs
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}

func (e *Engine) Stats(_ context.Context, handle string) (engine.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail("stats"); err != nil {
		return engine.Stats{}, err
	}
	c, err := e.lookup(handle)
	if err != nil {
		return engine.Stats{}, err
	}
	if c.Stats == (engine.Stats{}) {
		limit := uint64(c.Config.MemoryLimitMB) * 1024 * 1024
		return engine.Stats{MemoryLimit: limit}, nil
	}
	return c.Stats, nil
}

func (e *Engine) Ping(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unhealthy
}

func (e *Engine) Close() error { return nil }

// Exec is an in-memory interactive process. Whatever the client writes is
// echoed back on the output stream.
type Exec struct {
	Handle string
	Config engine.ExecConfig

	out   *io.PipeReader
	outW  *io.PipeWriter
	done  chan struct{}
	kills atomic.Int32

	mu     sync.Mutex
	closed bool
	cols   uint
	rows   uint
}

func newExec(handle string, cfg engine.ExecConfig) *Exec {
	r, w := io.Pipe()
	return &Exec{Handle: handle, Config: cfg, out: r, outW: w, done: make(chan struct{}), cols: cfg.Cols, rows: cfg.Rows}
}

func (x *Exec) Read(p []byte) (int, error) { return x.out.Read(p) }

func (x *Exec) Write(p []byte) (int, error) {
	x.mu.Lock()
	closed := x.closed
	x.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	go func(data []byte) {
		_, _ = x.outW.Write(data)
	}(append([]byte(nil), p...))
	return len(p), nil
}

// Emit writes output as if the process produced it.
func (x *Exec) Emit(data string) error {
	_, err := x.outW.Write([]byte(data))
	return err
}

// Exit ends the process as if it finished on its own.
func (x *Exec) Exit() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	x.closed = true
	_ = x.outW.Close()
	close(x.done)
}

func (x *Exec) Resize(_ context.Context, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal size must be positive")
	}
	x.mu.Lock()
	x.cols, x.rows = cols, rows
	x.mu.Unlock()
	return nil
}

// Size reports the last applied terminal size.
func (x *Exec) Size() (uint, uint) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cols, x.rows
}

func (x *Exec) Wait(ctx context.Context) (int, error) {
	select {
	case <-x.done:
		if x.Kills() > 0 {
			return 137, nil
		}
		return 0, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Close kills the process if it is still running.
func (x *Exec) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.kills.Add(1)
	_ = x.outW.Close()
	close(x.done)
	return nil
}

// Kills reports how many times the process was killed.
func (x *Exec) Kills() int { return int(x.kills.Load()) }

// Closed reports whether the process has ended.
func (x *Exec) Closed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}
