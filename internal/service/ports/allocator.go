package ports

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
)

// Store reports which ports in a range are already recorded against an environment.
type Store interface {
	ListAssignedPorts(ctx context.Context, min, max int) ([]int, error)
}

// Allocator hands out host ports from an inclusive range. It keeps no pool of
// its own; the store is consulted on every call.
type Allocator struct {
	store Store
	min   int
	max   int
	mu    sync.Mutex
}

// New validates the range and returns an allocator.
func New(store Store, min, max int) (*Allocator, error) {
	if store == nil {
		return nil, fmt.Errorf("port store is required")
	}
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Allocator{store: store, min: min, max: max}, nil
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Allocate returns the lowest port in range not held by any environment.
// The result is a point-in-time answer; use Reserve to claim it atomically.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scan(ctx)
}

// Reserve scans for a free port and runs claim with it while holding the
// allocator lock, so no other reservation can observe the same port.
func (a *Allocator) Reserve(ctx context.Context, claim func(ctx context.Context, port int) error) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, err := a.scan(ctx)
	if err != nil {
		return 0, err
	}
	if err := claim(ctx, port); err != nil {
		return 0, err
	}
	return port, nil
}

func (a *Allocator) scan(ctx context.Context) (int, error) {
	used, err := a.store.ListAssignedPorts(ctx, a.min, a.max)
	if err != nil {
		return 0, fmt.Errorf("list assigned ports: %w", err)
	}
	sort.Ints(used)
	candidate := a.min
	for _, p := range used {
		if p < candidate {
			continue
		}
		if p > candidate {
			break
		}
		candidate++
	}
	if candidate > a.max {
		return 0, apperr.New(apperr.ErrResourceExhausted, "ports.allocate",
			fmt.Sprintf("no free port in range %d-%d", a.min, a.max)).
			WithHint("delete an unused environment to release its port")
	}
	return candidate, nil
}
