// Package engine declares the container engine contract the orchestrator drives.
package engine

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the engine has no resource for a handle.
var ErrNotFound = errors.New("engine: resource not found")

// CreateConfig describes a new engine resource.
type CreateConfig struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	WorkingDir    string
	InternalPort  int
	HostPort      int
	MountSource   string
	MountTarget   string
	CPULimit      float64
	MemoryLimitMB int64
	Labels        map[string]string
}

// State is the observed state of an engine resource.
type State struct {
	Exists   bool
	Running  bool
	Status   string
	ExitCode int
}

// ExecConfig describes an interactive process inside a resource.
type ExecConfig struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	TTY        bool
	Cols       uint
	Rows       uint
}

// Exec is a bidirectional stream into a process running inside a resource.
// Read yields output until the process ends; Close terminates the process.
type Exec interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// Stats is a one-shot resource usage sample.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   uint64
	MemoryLimit   uint64
	MemoryPercent float64
}

// Engine is implemented by container runtimes.
type Engine interface {
	Create(ctx context.Context, cfg CreateConfig) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (State, error)
	Exec(ctx context.Context, handle string, cfg ExecConfig) (Exec, error)
	Logs(ctx context.Context, handle string, tail int) ([]string, error)
	Stats(ctx context.Context, handle string) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
