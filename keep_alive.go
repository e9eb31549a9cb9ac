package mqttc

import "time"

// keepAlive sends PINGREQ when nothing has been written for the keep-alive
// interval and fails the connection when the PINGRESP does not arrive by
// the next check. It runs on the client's executor.
type keepAlive struct {
	interval  time.Duration
	sched     Scheduler
	lastWrite func() time.Time
	now       func() time.Time
	ping      func() error
	expired   func()

	awaiting bool
	cancel   func()
}

func newKeepAlive(interval time.Duration, sched Scheduler, lastWrite func() time.Time, ping func() error, expired func()) *keepAlive {
	return &keepAlive{
		interval:  interval,
		sched:     sched,
		lastWrite: lastWrite,
		now:       time.Now,
		ping:      ping,
		expired:   expired,
	}
}

func (k *keepAlive) start() {
	if k.interval <= 0 {
		return
	}
	k.schedule(k.interval)
}

func (k *keepAlive) stop() {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
}

func (k *keepAlive) schedule(d time.Duration) {
	k.cancel = k.sched.Schedule(d, k.check)
}

func (k *keepAlive) check() {
	k.cancel = nil
	if k.awaiting {
		k.expired()
		return
	}

	idle := k.now().Sub(k.lastWrite())
	if idle < k.interval {
		k.schedule(k.interval - idle)
		return
	}

	if err := k.ping(); err != nil {
		k.expired()
		return
	}
	k.awaiting = true
	k.schedule(k.interval)
}

func (k *keepAlive) onPingresp() {
	k.awaiting = false
}
