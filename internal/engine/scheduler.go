package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rateLimitGrace is added on top of a provider-reported reset time before
// the next sweep.
const rateLimitGrace = time.Minute

// Scheduler is the single-flight periodic driver of the sweep. A trigger
// while a sweep is active is dropped, not queued.
type Scheduler struct {
	engine *Engine
	logger *zap.Logger
	clock  func() time.Time

	running atomic.Bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewScheduler constructs the scheduler around an engine.
func NewScheduler(engine *Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{engine: engine, logger: logger, clock: engine.clock}
}

// Run executes one sweep and re-arms the timer for the next. A concurrent
// call while a sweep is active is a no-op. Phase errors are contained: a
// failing phase is logged and the later phases still run.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running, dropping trigger")
		return
	}

	s.logger.Info("sweep started")

	if err := s.engine.SyncProjects(ctx); err != nil {
		s.logger.Error("project reconciliation phase failed", zap.Error(err))
	}
	if err := s.engine.SyncReleases(ctx); err != nil {
		s.logger.Error("release sync phase failed", zap.Error(err))
	}
	if err := s.engine.SendNotifications(ctx); err != nil {
		s.logger.Error("notification phase failed", zap.Error(err))
	}

	delay := s.nextDelay()
	s.running.Store(false)

	s.logger.Info("sweep finished", zap.Duration("next_run_in", delay))
	s.rearm(ctx, delay)
}

// Trigger schedules an immediate sweep, e.g. after a token update. Dropped
// when a sweep is already active.
func (s *Scheduler) Trigger(ctx context.Context) {
	go s.Run(ctx)
}

// Stop cancels the pending timer. An in-flight sweep finishes its current
// unit of work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// nextDelay is the engine interval, or the provider-reported rate-limit
// reset plus a grace period when one was signaled during the sweep.
func (s *Scheduler) nextDelay() time.Duration {
	retryAt := s.engine.ConsumeRetryAt()
	if retryAt == 0 {
		return s.engine.Interval()
	}
	wait := retryAt - s.clock().UnixMilli()
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)*time.Millisecond + rateLimitGrace
}

func (s *Scheduler) rearm(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.Run(ctx)
	})
}
