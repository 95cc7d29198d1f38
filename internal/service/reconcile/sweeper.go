// Package reconcile heals drift between the environment registry and the
// container engine.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/service/environment"
)

const sweepTimeout = 2 * time.Minute

// Store lists environments by status.
type Store interface {
	ListEnvironmentsByStatus(ctx context.Context, status domain.Status) ([]domain.Environment, error)
}

// Reconciler checks one environment against the engine under its lock.
type Reconciler interface {
	ReconcileStatus(ctx context.Context, id string) (environment.ReconcileOutcome, error)
}

// Result summarises a sweep.
type Result struct {
	Checked int
	Healthy int
	Marked  int
	Skipped int
	Failed  int
}

// Sweeper compares every running record with the engine and marks
// crashed or vanished environments as error.
type Sweeper struct {
	store      Store
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration

	metricsOnce sync.Once
	corrections prometheus.Counter
}

// New constructs a sweeper. An interval of zero disables the periodic loop;
// Run still performs the startup sweep.
func New(store Store, reconciler Reconciler, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:      store,
		reconciler: reconciler,
		logger:     logger.With("component", "reconcile"),
		interval:   interval,
	}
	s.initMetrics()
	return s
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.runIteration(ctx)
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reconcile loop started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Sweeper) runIteration(parent context.Context) {
	timeout := sweepTimeout
	if s.interval > 0 && s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("reconcile sweep failed", "error", err)
		return
	}
	if res.Marked > 0 || res.Failed > 0 {
		s.logger.Info("reconcile sweep finished",
			"checked", res.Checked,
			"healthy", res.Healthy,
			"marked", res.Marked,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
}

// Sweep reconciles every environment currently recorded as running. Errors
// for individual records are logged and counted, never returned.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	envs, err := s.store.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return res, fmt.Errorf("list running environments: %w", err)
	}
	for _, env := range envs {
		res.Checked++
		if env.EngineHandle == "" {
			res.Skipped++
			continue
		}
		outcome, err := s.reconcileOne(ctx, env.ID)
		if err != nil {
			res.Failed++
			s.logger.Warn("reconcile environment failed", "environment_id", env.ID, "error", err)
			continue
		}
		switch outcome {
		case environment.ReconcileHealthy:
			res.Healthy++
		case environment.ReconcileMarked:
			res.Marked++
			s.corrections.Inc()
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (s *Sweeper) reconcileOne(ctx context.Context, id string) (outcome environment.ReconcileOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during reconcile: %v", r)
		}
	}()
	return s.reconciler.ReconcileStatus(ctx, id)
}

func (s *Sweeper) initMetrics() {
	s.metricsOnce.Do(func() {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mozhost",
			Subsystem: "reconcile",
			Name:      "corrections_total",
			Help:      "Environments moved to error because the engine disagreed with the registry",
		})
		if err := prometheus.Register(counter); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					counter = existing
				}
			}
		}
		s.corrections = counter
	})
}
