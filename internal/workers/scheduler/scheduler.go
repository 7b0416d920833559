package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"repowatch/internal/services/orchestrator"
)

const defaultInterval = time.Hour

var ErrAlreadyStarted = errors.New("scheduler already started")

// Sweeper runs one full scan sweep.
type Sweeper interface {
	ScanAll(ctx context.Context) (orchestrator.SweepReport, error)
}

type Option func(s *Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler triggers a sweep on Start and then once per interval. Sweeps run
// in their own goroutines, so a slow sweep never delays the next tick.
type Scheduler struct {
	sweeper  Sweeper
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	loopWg  sync.WaitGroup
	sweeps  sync.WaitGroup
	cancel  context.CancelFunc
}

func New(sweeper Sweeper, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		clock:    clockwork.NewRealClock(),
		interval: defaultInterval,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start fires the first sweep immediately and returns. Sweeps use a context
// derived from ctx; cancelling it stops dispatching new scans.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ticker := s.clock.NewTicker(s.interval)

	zap.S().Named("scheduler").Infow("scheduler started", "interval", s.interval)
	s.fire(sweepCtx)

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-sweepCtx.Done():
				return
			case <-ticker.Chan():
				s.fire(sweepCtx)
			}
		}
	}()
	return nil
}

func (s *Scheduler) fire(ctx context.Context) {
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		report, err := s.sweeper.ScanAll(ctx)
		if err != nil {
			zap.S().Named("scheduler").Errorw("sweep ended early", "error", err,
				"admitted", report.Admitted, "not_dispatched", report.NotDispatched)
		}
	}()
}

// Stop prevents further ticks and waits for in-flight sweeps. If ctx expires
// first, sweep dispatch is cancelled and ctx.Err() is returned; scans already
// on a worker still run to completion.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.sweeps.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		zap.S().Named("scheduler").Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		zap.S().Named("scheduler").Warnw("scheduler stop timed out, cancelling sweeps", "error", ctx.Err())
		return ctx.Err()
	}
}
