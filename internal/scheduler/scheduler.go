// Package scheduler runs tasks against a fixed number of concurrent slots.
//
// Enqueued tasks wait in an insertion-ordered backlog and are promoted when
// a slot frees. The backlog and the running set are guarded by one mutex.
package scheduler

import (
	"context"
	"sync"

	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/task"
)

// DefaultMaxConcurrent is the slot count used when none is configured.
const DefaultMaxConcurrent = 3

// Scheduler is safe for concurrent use.
type Scheduler struct {
	max    int
	logger *logging.Logger

	mu      sync.Mutex
	backlog []*task.Task
	running map[*task.Task]struct{}
	idle    chan struct{} // closed while nothing is running or queued
	peak    int
}

// New creates a Scheduler with maxConcurrent slots.
func New(maxConcurrent int, logger *logging.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = logging.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		max:     maxConcurrent,
		logger:  logger.With("component", "scheduler", "max_concurrent", maxConcurrent),
		running: make(map[*task.Task]struct{}),
		idle:    idle,
	}
}

// MaxConcurrent returns the number of slots.
func (s *Scheduler) MaxConcurrent() int { return s.max }

// Enqueue adds t to the backlog and promotes work into free slots.
func (s *Scheduler) Enqueue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.backlog) == 0 && len(s.running) == 0 {
		s.idle = make(chan struct{})
	}
	s.backlog = append(s.backlog, t)
	s.promoteLocked()
}

// CancelAll cancels every running and queued task and empties the backlog.
// Calling it repeatedly is the same as calling it once.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	victims := make([]*task.Task, 0, len(s.backlog)+len(s.running))
	victims = append(victims, s.backlog...)
	for t := range s.running {
		victims = append(victims, t)
	}
	for i := range s.backlog {
		s.backlog[i] = nil
	}
	s.backlog = s.backlog[:0]
	s.signalIdleLocked()
	s.mu.Unlock()

	// Cancel outside the lock: a cancelled running task frees its slot,
	// and the slot goroutine needs the lock to do so.
	for _, t := range victims {
		t.Cancel()
	}
	if len(victims) > 0 {
		s.logger.Info("cancelled all tasks", "count", len(victims))
	}
}

// Wait blocks until nothing is running or queued, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of running and queued tasks.
func (s *Scheduler) Stats() (running, backlog int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), len(s.backlog)
}

// Peak returns the largest number of tasks that were ever running at once.
func (s *Scheduler) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Scheduler) promoteLocked() {
	for len(s.running) < s.max && len(s.backlog) > 0 {
		t := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]

		if t.IsFinished() {
			// Cancelled while queued.
			continue
		}
		s.running[t] = struct{}{}
		if n := len(s.running); n > s.peak {
			s.peak = n
		}
		go s.run(t)
	}
	s.signalIdleLocked()
}

func (s *Scheduler) run(t *task.Task) {
	t.Start()
	<-t.Done()

	s.mu.Lock()
	delete(s.running, t)
	s.promoteLocked()
	s.mu.Unlock()
}

func (s *Scheduler) signalIdleLocked() {
	if len(s.running) > 0 || len(s.backlog) > 0 {
		return
	}
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}
