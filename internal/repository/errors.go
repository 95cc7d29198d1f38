package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates a unique constraint (name, domain or port) was violated.
	ErrDuplicate = errors.New("repository: duplicate")
)
