package mqttc

import (
	"errors"
	"math/rand/v2"
	"time"
)

// Reconnect defaults.
const (
	DefaultReconnectBackoff = time.Second
	DefaultMaxBackoff       = 2 * time.Minute
)

// BackoffStrategy returns the delay before reconnect attempt number attempt,
// counted from 1.
type BackoffStrategy func(attempt int, initial, maximum time.Duration) time.Duration

// ExponentialBackoff doubles the delay per attempt up to maximum and
// applies up to 25% jitter either way.
func ExponentialBackoff(attempt int, initial, maximum time.Duration) time.Duration {
	d := exponentialDelay(attempt, initial, maximum)
	jitter := (rand.Float64()*0.5 - 0.25) * float64(d)
	return max(time.Duration(float64(d)+jitter), 0)
}

func exponentialDelay(attempt int, initial, maximum time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt && d < maximum; i++ {
		d *= 2
	}
	if maximum > 0 && d > maximum {
		d = maximum
	}
	return d
}

// ReconnectContext is passed to the OnReconnect callback before every
// attempt. The callback may cancel the attempt or change its delay.
type ReconnectContext struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Cause       error

	cancelled bool
}

// Cancel stops reconnecting. The client ends up disconnected.
func (r *ReconnectContext) Cancel() { r.cancelled = true }

// SetDelay replaces the computed delay.
func (r *ReconnectContext) SetDelay(d time.Duration) { r.Delay = max(d, 0) }

// reconnectController decides whether and when to reconnect. It runs on
// the client's executor.
type reconnectController struct {
	enabled     bool
	initial     time.Duration
	maximum     time.Duration
	maxAttempts int
	strategy    BackoffStrategy
	callback    func(*ReconnectContext)

	attempts int
	cancel   func()
}

// next returns the delay before the next attempt, or false when the client
// must stay disconnected.
func (r *reconnectController) next(cause error) (*ReconnectContext, bool) {
	if !r.enabled || errors.Is(cause, ErrClientClosed) || isUserDisconnect(cause) {
		return nil, false
	}
	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts {
		return nil, false
	}

	r.attempts++
	strategy := r.strategy
	if strategy == nil {
		strategy = ExponentialBackoff
	}
	rc := &ReconnectContext{
		Attempt:     r.attempts,
		MaxAttempts: r.maxAttempts,
		Delay:       strategy(r.attempts, r.initial, r.maximum),
		Cause:       cause,
	}
	if r.callback != nil {
		r.callback(rc)
		if rc.cancelled {
			return rc, false
		}
	}
	return rc, true
}

// reset runs after every accepted CONNACK.
func (r *reconnectController) reset() {
	r.attempts = 0
}

func (r *reconnectController) stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// isUserDisconnect reports a connection closed by Disconnect.
func isUserDisconnect(err error) bool {
	var de *DisconnectError
	return errors.As(err, &de) && !de.Remote
}
