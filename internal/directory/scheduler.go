package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler reloads the registry on a fixed interval so descriptor changes
// made by other instances are picked up
type Scheduler struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a reload scheduler. A non-positive interval disables
// periodic reloads; TriggerReload still works.
func NewScheduler(registry *Registry, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		interval: interval,
		logger:   logger.With(zap.String("component", "reload-scheduler")),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reload loop until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Periodic directory reload disabled")
		return
	}
	s.logger.Info("Directory reload scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reload(ctx)
		}
	}
}

// Stop halts the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// TriggerReload starts a background reload unless one is already running.
// It reports whether a reload was started.
func (s *Scheduler) TriggerReload() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.mu.Unlock()

	// the triggering request context may be canceled before the reload finishes
	go s.run(context.Background())
	return true
}

func (s *Scheduler) reload(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	if err := s.registry.Reload(ctx); err != nil {
		s.logger.Error("Scheduled directory reload failed", zap.Error(err))
	}
}
