/*
Package scheduler runs the broadcast lifecycle clocks: activation of due
schedules, expiry of stale content and garbage collection of dead
connections.

Every task is leader-locked through the shedlock table with a lease shorter
than its own period, so across a cluster each tick executes exactly once and
a crashed leader is replaced within one lease. Task bodies are idempotent
compare-and-set batches; a duplicate tick is a no-op.
*/
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Locker grants cluster-wide task leases.
type Locker interface {
	AcquireLock(ctx context.Context, name, lockedBy string, lockAtMostFor time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, lockedBy string) error
}

// Task is one leader-locked periodic job.
type Task struct {
	Name          string
	Interval      time.Duration
	LockAtMostFor time.Duration
	Run           func(ctx context.Context) error
}

// Scheduler drives tasks on their intervals, one goroutine per task.
type Scheduler struct {
	locker   Locker
	logger   *slog.Logger
	podID    string
	tasks    []Task
	doneCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(locker Locker, logger *slog.Logger, podID string, tasks ...Task) *Scheduler {
	return &Scheduler{
		locker: locker,
		logger: logger,
		podID:  podID,
		tasks:  tasks,
		doneCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(t)
	}
	s.logger.Info("SCHEDULER_STARTED", "tasks", len(s.tasks), "pod_id", s.podID)
}

// Stop halts the tickers and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.doneCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(t Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.runOnce(t)
		}
	}
}

// runOnce executes one leadership attempt: acquire, run, release. Losing the
// lease is the normal case on every pod but one, and is silent.
func (s *Scheduler) runOnce(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), t.LockAtMostFor)
	defer cancel()

	acquired, err := s.locker.AcquireLock(ctx, t.Name, s.podID, t.LockAtMostFor)
	if err != nil {
		s.logger.Error("TASK_LOCK_FAILED", "task", t.Name, "err", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.locker.ReleaseLock(ctx, t.Name, s.podID); err != nil {
			s.logger.Warn("TASK_UNLOCK_FAILED", "task", t.Name, "err", err)
		}
	}()

	if err := t.Run(ctx); err != nil {
		s.logger.Error("TASK_RUN_FAILED", "task", t.Name, "err", err)
	}
}
