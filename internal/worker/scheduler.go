package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"video-feed-pipeline/internal/clock"
)

// ErrSchedulerRunning is returned by Start on a scheduler that is already running.
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler runs a task once on Start and then on every tick of its clock
// until Stop. Ticks that arrive while the task runs are coalesced.
type Scheduler struct {
	interval time.Duration
	clock    clock.Clock
	task     func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(interval time.Duration, clk clock.Clock, task func(ctx context.Context)) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{interval: interval, clock: clk, task: task}
}

// Start launches the loop. The loop also exits when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.interval)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		s.task(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if ctx.Err() != nil {
					return
				}
				s.task(ctx)
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the running task to return.
// The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
