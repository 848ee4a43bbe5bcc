package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"taskpilot/internal/logging"
)

// Scheduler feeds ready tasks from the store into a bounded worker pool.
type Scheduler struct {
	Engine       *Engine
	Workers      int
	PollInterval time.Duration

	inflight atomic.Int64
	freed    chan struct{}
}

func NewScheduler(e *Engine, workers int, poll time.Duration) *Scheduler {
	return &Scheduler{Engine: e, Workers: workers, PollInterval: poll, freed: make(chan struct{}, 1)}
}

func (s *Scheduler) workers() int64 {
	if s.Workers < 1 {
		return 1
	}
	return int64(s.Workers)
}

func (s *Scheduler) pool() *pool.Pool {
	if s.freed == nil {
		s.freed = make(chan struct{}, 1)
	}
	return pool.New().WithMaxGoroutines(int(s.workers()))
}

// acquire reserves a worker slot. Tasks are only taken from the queue once a
// slot is held, so a waiting task stays queued and cancellable.
func (s *Scheduler) acquire() bool {
	for {
		n := s.inflight.Load()
		if n >= s.workers() {
			return false
		}
		if s.inflight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Scheduler) release() {
	s.inflight.Add(-1)
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) poll() time.Duration {
	if s.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return s.PollInterval
}

// drain submits every ready task and returns how many it started.
func (s *Scheduler) drain(ctx context.Context, p *pool.Pool) int {
	n := 0
	for ctx.Err() == nil && s.acquire() {
		task, ok := s.Engine.Store.StartNext()
		if !ok {
			// Nothing ready: return the slot without a wake-up.
			s.inflight.Add(-1)
			break
		}
		n++
		p.Go(func() {
			defer s.release()
			if _, err := s.Engine.RunStarted(ctx, task); err != nil && !errors.Is(err, ErrCancelled) {
				logging.Log("task execution ended with error", slog.LevelDebug, "task_id", task.ID, "error", err)
			}
		})
	}
	return n
}

// Run schedules tasks until ctx is cancelled. Running tasks observe the same
// context and are recorded as cancelled when it ends.
func (s *Scheduler) Run(ctx context.Context) error {
	p := s.pool()
	defer p.Wait()
	ticker := time.NewTicker(s.poll())
	defer ticker.Stop()
	for {
		s.drain(ctx, p)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Engine.Store.Notify():
		case <-s.freed:
		case <-ticker.C:
		}
	}
}

// RunUntilIdle schedules tasks until nothing is running and no pending task
// is ready. Tasks blocked on a dependency that never completes stay queued.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	p := s.pool()
	defer p.Wait()
	ticker := time.NewTicker(s.poll())
	defer ticker.Stop()
	for {
		running := s.inflight.Load()
		started := s.drain(ctx, p)
		if running == 0 && started == 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Engine.Store.Notify():
		case <-s.freed:
		case <-ticker.C:
		}
	}
}
