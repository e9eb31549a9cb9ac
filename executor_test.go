package mqttc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor(t *testing.T) {
	t.Run("runs tasks in submission order", func(t *testing.T) {
		e := newExecutor()
		defer e.Stop()

		var got []int
		for i := range 100 {
			require.True(t, e.Submit(func() { got = append(got, i) }))
		}
		require.True(t, e.Call(func() {}))

		for i := range 100 {
			assert.Equal(t, i, got[i])
		}
	})

	t.Run("stop drains queued tasks and rejects new ones", func(t *testing.T) {
		e := newExecutor()

		var mu sync.Mutex
		ran := 0
		for range 10 {
			e.Submit(func() {
				mu.Lock()
				ran++
				mu.Unlock()
			})
		}
		e.Stop()
		<-e.Done()

		assert.Equal(t, 10, ran)
		assert.False(t, e.Submit(func() {}))
		assert.False(t, e.Call(func() {}))
	})

	t.Run("scheduled callback runs on the loop", func(t *testing.T) {
		e := newExecutor()
		defer e.Stop()

		fired := make(chan struct{})
		e.Submit(func() {
			e.Schedule(10*time.Millisecond, func() { close(fired) })
		})

		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("cancel prevents a callback already queued", func(t *testing.T) {
		e := newExecutor()
		defer e.Stop()

		fired := false
		e.Submit(func() {
			cancel := e.Schedule(0, func() { fired = true })
			// The timer fires while the loop is busy and queues behind this task.
			time.Sleep(20 * time.Millisecond)
			cancel()
		})

		e.Call(func() {})
		e.Call(func() { assert.False(t, fired) })
	})
}

// fakeScheduler records timers for handlers driven synchronously in tests.
type fakeScheduler struct {
	timers []*fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) func() {
	timer := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, timer)
	return func() { timer.cancelled = true }
}

// fire runs every pending timer.
func (s *fakeScheduler) fire() {
	for _, timer := range s.timers {
		if !timer.cancelled && !timer.fired {
			timer.fired = true
			timer.fn()
		}
	}
}

func (s *fakeScheduler) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, timer := range s.timers {
		if !timer.cancelled && !timer.fired {
			out = append(out, timer)
		}
	}
	return out
}
