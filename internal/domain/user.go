package domain

import "time"

// User represents a platform account as seen by the orchestrator.
type User struct {
	ID              string
	Username        string
	MaxEnvironments int
	CreatedAt       time.Time
}
