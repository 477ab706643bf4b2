// Package scan runs face-detection scans over an asset collection.
//
// A Coordinator owns one scan Session at a time. Enumeration and enqueueing
// run on a coordination lane, detection runs in scheduler slots, and every
// result is handed to the consumer on a single delivery lane in completion
// order.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/andresmejia3/facescan/internal/assets"
	"github.com/andresmejia3/facescan/internal/engine"
	"github.com/andresmejia3/facescan/internal/lane"
	"github.com/andresmejia3/facescan/internal/logging"
	"github.com/andresmejia3/facescan/internal/scheduler"
	"github.com/andresmejia3/facescan/internal/task"
	"github.com/andresmejia3/facescan/internal/types"
)

// ErrClosed is reported by sessions started after Close.
var ErrClosed = errors.New("coordinator closed")

// Enumerator yields a snapshot of every asset currently available.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]assets.Asset, error)
}

// ImageSource produces pixel data for one asset asynchronously and calls
// done exactly once.
type ImageSource interface {
	RequestImage(ctx context.Context, asset assets.Asset, target types.Size, allowNetwork bool, done func(*types.Image, error))
}

// EngineProvider resolves an engine kind to a ready engine.
type EngineProvider interface {
	Engine(kind engine.Kind) (engine.Engine, error)
}

// Deps are the collaborators of a Coordinator. Logger and Tracer may be nil.
type Deps struct {
	Enumerator Enumerator
	Images     ImageSource
	Engines    EngineProvider
	Scheduler  *scheduler.Scheduler
	Logger     *logging.Logger
	Tracer     trace.Tracer
}

// Options configure one scan.
type Options struct {
	Engine       engine.Kind
	TargetSize   types.Size
	AllowNetwork bool
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	deps     Deps
	logger   *logging.Logger
	coord    *lane.Lane
	delivery *lane.Lane

	mu      sync.Mutex
	current *Session
	closed  bool
}

// NewCoordinator creates a Coordinator and starts its lanes.
func NewCoordinator(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("facescan")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(scheduler.DefaultMaxConcurrent, deps.Logger)
	}
	return &Coordinator{
		deps:     deps,
		logger:   deps.Logger.With("component", "coordinator"),
		coord:    lane.New("coordination"),
		delivery: lane.New("delivery"),
	}
}

// StartScan cancels any scan in progress and starts a new one. onResult is
// called on the delivery lane once per task that completes while the
// session is still live.
func (c *Coordinator) StartScan(opts Options, onResult func(types.Result)) *Session {
	s := newSession(opts, onResult)
	s.logger = c.logger.With("session_id", s.id, "engine", opts.Engine.String())
	s.flush = func() bool { return c.delivery.Sync(func() {}) }

	c.mu.Lock()
	prev := c.current
	closed := c.closed
	if !closed {
		c.current = s
	}
	c.mu.Unlock()

	if closed {
		s.abort(ErrClosed)
		return s
	}
	if prev != nil && prev.markCancelled() {
		prev.logger.Info("scan superseded", "next_session_id", s.id)
	}

	if !c.coord.Async(func() {
		// Clears whatever the previous session left in the scheduler
		// before anything of this one is enqueued.
		c.deps.Scheduler.CancelAll()
		c.run(s)
	}) {
		s.abort(ErrClosed)
	}
	return s
}

// CancelScan cancels the current session. Results already in flight are
// dropped when they reach the delivery lane.
func (c *Coordinator) CancelScan() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil || !s.markCancelled() {
		return
	}
	s.logger.Info("scan cancelled")
	c.coord.Async(c.deps.Scheduler.CancelAll)
}

// Close cancels the current scan and stops both lanes.
func (c *Coordinator) Close() {
	c.CancelScan()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.coord.Close()
	c.deps.Scheduler.CancelAll()
	c.delivery.Close()
}

// run executes on the coordination lane.
func (c *Coordinator) run(s *Session) {
	defer s.closeEnqueued()
	defer s.cancel()

	if s.Cancelled() {
		return
	}
	eng, err := c.deps.Engines.Engine(s.opts.Engine)
	if err != nil {
		s.setErr(fmt.Errorf("failed to resolve engine: %w", err))
		s.logger.Error("scan aborted", "err", err)
		return
	}

	found, err := c.deps.Enumerator.Enumerate(s.ctx)
	if err != nil {
		if !s.Cancelled() {
			s.setErr(fmt.Errorf("failed to enumerate assets: %w", err))
			s.logger.Error("scan aborted", "err", err)
		}
		return
	}

	for _, a := range found {
		if s.Cancelled() {
			break
		}
		t := newDetectionTask(detectionJob{
			asset:        a,
			engine:       eng,
			kind:         s.opts.Engine,
			target:       s.opts.TargetSize,
			allowNetwork: s.opts.AllowNetwork,
			images:       c.deps.Images,
			sink:         c.sink(s),
			tracer:       c.deps.Tracer,
			logger:       s.logger,
		})
		s.track(t)
		c.deps.Scheduler.Enqueue(t)
	}
	s.logger.Info("scan enqueued", "assets", len(found), "enqueued", s.Total())
}

// sink marshals a result onto the delivery lane. The session check happens
// at delivery time so results that were in flight during a cancel are dropped.
func (c *Coordinator) sink(s *Session) func(types.Result) {
	return func(r types.Result) {
		c.delivery.Async(func() {
			if s.Cancelled() {
				return
			}
			s.delivered.Add(1)
			if s.onResult != nil {
				s.onResult(r)
			}
		})
	}
}

// Session is one scan. It is safe for concurrent use.
type Session struct {
	id       string
	opts     Options
	onResult func(types.Result)
	logger   *logging.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	delivered atomic.Int64

	// flush is set by the coordinator; Wait uses it as a delivery barrier.
	flush func() bool

	enqueued chan struct{}
	mu       sync.Mutex
	tasks    []*task.Task
	err      error
}

func newSession(opts Options, onResult func(types.Result)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       uuid.NewString(),
		opts:     opts,
		onResult: onResult,
		logger:   logging.Nop(),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		flush:    func() bool { return false },
		enqueued: make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Options returns the options the session was started with.
func (s *Session) Options() Options { return s.opts }

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.started }

// Enqueued is closed once every asset has been enqueued, or the session
// stopped trying.
func (s *Session) Enqueued() <-chan struct{} { return s.enqueued }

// Total returns the number of tasks enqueued so far.
func (s *Session) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Delivered returns the number of results handed to the consumer.
func (s *Session) Delivered() int { return int(s.delivered.Load()) }

// Err reports why the session could not enqueue its assets, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancelled reports whether the session was cancelled or superseded.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Wait blocks until every task has finished and every result has been
// delivered. It must not be called from onResult.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.enqueued:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	tasks := make([]*task.Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Results are posted before their task's Done closes, so a barrier on
	// the delivery lane flushes every one of them.
	flushed := make(chan struct{})
	go func() {
		s.flush()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markCancelled() bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	return true
}

func (s *Session) abort(err error) {
	s.setErr(err)
	s.markCancelled()
	s.closeEnqueued()
}

func (s *Session) track(t *task.Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Session) closeEnqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.enqueued:
	default:
		close(s.enqueued)
	}
}
