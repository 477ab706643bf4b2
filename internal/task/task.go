// Package task provides a cancellable unit of asynchronous work with an
// explicit, forward-only lifecycle: Ready -> Executing -> Finished.
//
// Cancellation is a flag orthogonal to the state. Both cancellation and
// natural completion try to claim the terminal transition with a single
// compare-and-swap, so exactly one of them wins and Finished is entered once.
package task

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a Task.
type State int32

const (
	// StateReady indicates the task has been created but has not started work.
	StateReady State = iota
	// StateExecuting indicates the execute hook is running or awaiting a continuation.
	StateExecuting
	// StateFinished is terminal and irreversible.
	StateFinished
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateExecuting:
		return "EXECUTING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Observer is notified after every state transition.
type Observer func(from, to State)

// ExecuteFunc is the work hook. It must eventually call Finish or Complete on
// t, from any goroutine, unless the task is cancelled first.
type ExecuteFunc func(ctx context.Context, t *Task)

// Task is safe for concurrent use.
type Task struct {
	id   string
	exec ExecuteFunc

	state     atomic.Int32
	cancelled atomic.Bool
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// transitionMu is held across each state CAS and its observer dispatch,
	// so observers see transitions in the order they happened.
	transitionMu sync.Mutex

	mu        sync.Mutex
	observers []Observer
}

// New creates a Ready task. The context handed to exec is cancelled when the
// task is cancelled or finishes.
func New(id string, exec ExecuteFunc) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:     id,
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the identifier the task was created with.
func (t *Task) ID() string { return t.id }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// IsExecuting reports whether the task is in StateExecuting.
func (t *Task) IsExecuting() bool { return t.State() == StateExecuting }

// IsFinished reports whether the task reached the terminal state.
func (t *Task) IsFinished() bool { return t.State() == StateFinished }

// IsCancelled reports whether Cancel was called before the task finished.
func (t *Task) IsCancelled() bool { return t.cancelled.Load() }

// Done is closed exactly once, on the terminal transition.
func (t *Task) Done() <-chan struct{} { return t.done }

// Observe registers fn for all subsequent transitions. Observers run
// synchronously on the goroutine that performed the transition, one
// transition at a time; they must not call Start, Cancel, Finish or Complete
// on the same task.
func (t *Task) Observe(fn Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Start runs the task. Only the first call has an effect. A task cancelled
// before Start goes to Finished without running exec.
func (t *Task) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	if t.cancelled.Load() {
		t.Finish()
		return
	}
	if !t.transition(StateReady, StateExecuting, nil) {
		// Cancel won the race and already claimed Finished.
		return
	}
	if t.cancelled.Load() {
		// Cancelled while Executing was being observed.
		t.Finish()
		return
	}
	t.exec(t.ctx, t)
}

// Cancel requests cancellation from any goroutine. It is idempotent and has
// no effect on a finished task. A Ready or Executing task is moved to
// Finished immediately; work already in flight may keep running but its
// outcome is discarded because Complete will refuse to deliver it.
func (t *Task) Cancel() {
	if t.IsFinished() {
		return
	}
	t.cancelled.Store(true)
	t.cancel()
	t.Finish()
}

// Finish claims the terminal transition. It returns false if another path
// (cancellation or an earlier Finish) already claimed it.
func (t *Task) Finish() bool { return t.finish(nil) }

// Complete is the natural-completion path. If the task has not been
// cancelled and Complete wins the terminal transition, deliver is called
// once, before Done is closed, and Complete returns true. Otherwise deliver
// is never called. Like an observer, deliver must not call back into t.
func (t *Task) Complete(deliver func()) bool {
	if t.cancelled.Load() {
		return false
	}
	return t.finish(deliver)
}

func (t *Task) finish(deliver func()) bool {
	for {
		cur := State(t.state.Load())
		if cur == StateFinished {
			return false
		}
		if t.transition(cur, StateFinished, deliver) {
			return true
		}
	}
}

func (t *Task) transition(from, to State, deliver func()) bool {
	t.transitionMu.Lock()
	defer t.transitionMu.Unlock()

	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if to == StateFinished {
		if deliver != nil {
			deliver()
		}
		t.cancel()
		close(t.done)
	}

	t.mu.Lock()
	observers := make([]Observer, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return true
}
