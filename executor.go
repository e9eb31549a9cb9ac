package mqttc

import (
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay on the connection's execution
// context. The returned cancel function must be called on that context;
// once it has run, the callback never runs.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// executor serializes every state mutation of one client on a single
// goroutine. The task queue is unbounded so producers (the read loop,
// timers, API calls) never block on it.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		tasks := e.queue
		e.queue = nil
		stopped := e.stopped
		e.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}

		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-e.wake
	}
}

// Submit queues fn. It reports false if the executor was stopped.
func (e *executor) Submit(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the executor and waits for it to return.
// It must not be called from the executor itself.
func (e *executor) Call(fn func()) bool {
	ran := make(chan struct{})
	if !e.Submit(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// Schedule implements Scheduler.
func (e *executor) Schedule(d time.Duration, fn func()) func() {
	var cancelled bool // loop-owned
	t := time.AfterFunc(d, func() {
		e.Submit(func() {
			if !cancelled {
				fn()
			}
		})
	})

	return func() {
		cancelled = true
		t.Stop()
	}
}

// Stop rejects new tasks. Tasks already queued still run.
func (e *executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop has exited.
func (e *executor) Done() <-chan struct{} { return e.done }
