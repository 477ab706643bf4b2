// Package lane provides a serial execution lane: one goroutine running queued
// functions in FIFO order. The queue is unbounded, so Async never blocks the
// caller on a slow lane.
package lane

import "sync"

// Lane runs submitted functions one at a time on a dedicated goroutine.
type Lane struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	stopped chan struct{}
}

// New starts a lane. Call Close to stop it.
func New(name string) *Lane {
	l := &Lane{name: name, stopped: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.loop()
	return l
}

// Name returns the label the lane was created with.
func (l *Lane) Name() string { return l.name }

// Async queues fn and returns immediately. It reports false if the lane is closed.
func (l *Lane) Async(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Sync queues fn and blocks until it has run. It reports false, without
// running fn, if the lane is closed. Sync must not be called from the lane itself.
func (l *Lane) Sync(fn func()) bool {
	done := make(chan struct{})
	if !l.Async(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Close stops accepting work, runs what is already queued, and waits for the
// lane goroutine to exit. It is safe to call more than once.
func (l *Lane) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.stopped
}

func (l *Lane) loop() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
