package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tg_events/internal/domain"
)

// Sweeper defines the interface for sweep operations.
type Sweeper interface {
	Sweep(ctx context.Context, opts domain.SweepOptions) (*domain.SweepResult, error)
}

type State int32

const (
	StateIdle State = iota
	StateSweeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSweeping:
		return "sweeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scheduler runs sweeps until stopped. A sweep in progress is never
// interrupted; Stop takes effect at the next idle boundary.
type Scheduler struct {
	sweeper  Sweeper
	opts     domain.SweepOptions
	interval time.Duration
	logger   *slog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(sweeper Sweeper, opts domain.SweepOptions, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		opts:     opts,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Run sweeps, waits for the interval and repeats. It returns nil after Stop,
// ctx.Err() when ctx is done, or the configuration error that ended polling.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	defer s.state.Store(int32(StateStopped))

	for {
		if s.stopRequested() {
			s.logger.Info("scheduler stopped")
			return nil
		}

		s.state.Store(int32(StateSweeping))
		err := s.runSweep(ctx)
		if errors.Is(err, domain.ErrConfiguration) {
			s.logger.Error("polling stopped", "error", err)
			return err
		}
		s.state.Store(int32(StateIdle))

		timer := time.NewTimer(s.interval)
		select {
		case <-s.stopCh:
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) error {
	result, err := s.sweeper.Sweep(ctx, s.opts)
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return err
	case errors.Is(err, domain.ErrSweepInProgress):
		s.logger.Info("sweep skipped", "reason", err)
	case err != nil:
		s.logger.Error("sweep failed", "error", err)
	default:
		s.logger.Debug("sweep finished",
			"channels_ok", len(result.ChannelsOK),
			"channels_failed", len(result.ChannelsFailed),
		)
	}
	return nil
}

// Stop asks Run to return. It is safe to call any number of times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
