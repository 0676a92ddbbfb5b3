package linking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"devicelink/pkg/clock"
)

// Sweeper periodically expires overdue sessions, so subscribers hear about
// expiry even when nobody reads the session, and purges old rejected and
// expired rows.
type Sweeper struct {
	Service   *Service
	Logger    *slog.Logger
	Clock     clock.Clock
	Interval  time.Duration
	Retention time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper returns a sweeper running every interval. Non-positive values
// fall back to one minute and one hour of retention.
func NewSweeper(svc *Service, logger *slog.Logger, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Service:   svc,
		Logger:    logger,
		Clock:     svc.clock,
		Interval:  interval,
		Retention: retention,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every tick until Stop.
func (s *Sweeper) Start() {
	go s.run()
	s.Logger.Info("sweeper started", "interval", s.Interval, "retention", s.Retention)
}

// Stop halts the worker and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.Logger.Info("sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := s.Clock.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one pass. Failures are logged and retried next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.Service.ExpireOverdue(ctx)
	if err != nil {
		s.Logger.Error("sweep: expire overdue sessions failed", "error", err)
	}

	purged, err := s.Service.PurgeTerminal(ctx, s.Retention)
	if err != nil {
		s.Logger.Error("sweep: purge terminal sessions failed", "error", err)
	}

	if expired > 0 || purged > 0 {
		s.Logger.Info("sweep completed", "expired", expired, "purged", purged)
	}
}
