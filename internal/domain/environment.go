package domain

import "time"

// Status describes where an environment sits in its lifecycle.
type Status string

const (
	StatusBuilding Status = "building"
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBuilding, StatusStopped, StatusRunning, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusBuilding: {StatusStopped, StatusError},
	StatusStopped:  {StatusRunning, StatusError},
	StatusRunning:  {StatusStopped, StatusError},
	StatusError:    {StatusRunning},
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the lifecycle graph. Deletion is not a transition and is always allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResourceLimits are advisory ceilings handed to the container engine.
type ResourceLimits struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memory_mb"`
}

// Environment is a tenant's sandboxed execution unit.
type Environment struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Status         Status         `json:"status"`
	EngineHandle   string         `json:"engine_handle,omitempty"`
	HostPort       int            `json:"host_port,omitempty"`
	InternalPort   int            `json:"internal_port"`
	Domain         string         `json:"domain"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	// EnvVars holds the sealed user variables. It is never serialised to clients.
	EnvVars   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Routable reports whether the environment can receive proxied traffic.
func (e Environment) Routable() bool {
	return e.Status == StatusRunning && e.HostPort > 0
}

// Stats is a one-shot resource usage sample.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
}
