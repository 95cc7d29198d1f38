package terminal

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrRegistryClosed is returned when attaching after Shutdown has begun.
var ErrRegistryClosed = errors.New("terminal: registry closed")

// Registry owns every live session and the environment -> sessions index.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byEnv    map[string]map[string]struct{}
	closed   bool
	pumps    sync.WaitGroup

	metricsOnce sync.Once
	active      prometheus.Gauge
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		byEnv:    make(map[string]map[string]struct{}),
	}
	r.initMetrics()
	return r
}

func (r *Registry) add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.sessions[s.ID] = s
	ids, ok := r.byEnv[s.EnvironmentID]
	if !ok {
		ids = make(map[string]struct{})
		r.byEnv[s.EnvironmentID] = ids
	}
	ids[s.ID] = struct{}{}
	r.pumps.Add(1)
	r.active.Inc()
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	delete(r.sessions, s.ID)
	if ids, ok := r.byEnv[s.EnvironmentID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byEnv, s.EnvironmentID)
		}
	}
	r.active.Dec()
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEnvironment lists the ids of sessions attached to envID.
func (r *Registry) ForEnvironment(envID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byEnv[envID]))
	for id := range r.byEnv[envID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseEnvironment terminates every session attached to envID.
func (r *Registry) CloseEnvironment(envID string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byEnv[envID]))
	for id := range r.byEnv[envID] {
		targets = append(targets, r.sessions[id])
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.Terminate("environment deleted")
	}
}

// Shutdown closes every session and waits for their output pumps to drain,
// bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Terminate("server shutting down")
	}

	drained := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) initMetrics() {
	r.metricsOnce.Do(func() {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mozhost",
			Name:      "terminal_sessions",
			Help:      "Interactive terminal sessions currently attached",
		})
		if err := prometheus.Register(gauge); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					gauge = existing
				}
			}
		}
		r.active = gauge
	})
}
