package mqttc

import (
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned when no send slot is left.
var ErrQuotaExceeded = errors.New("receive maximum quota exceeded")

const defaultReceiveMaximum = 65535

// FlowController counts unacknowledged QoS 1 and 2 publishes against a
// receive maximum. The outgoing handler uses one for the server's limit and
// the incoming handler one for the limit the client advertised.
type FlowController struct {
	mu             sync.Mutex
	receiveMaximum uint16
	inFlight       int
}

// NewFlowController returns a controller for receiveMaximum slots.
// Zero means the protocol default of 65535.
func NewFlowController(receiveMaximum uint16) *FlowController {
	f := &FlowController{}
	f.SetReceiveMaximum(receiveMaximum)
	return f
}

// ReceiveMaximum returns the slot limit.
func (f *FlowController) ReceiveMaximum() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiveMaximum
}

// SetReceiveMaximum changes the slot limit without touching the in-flight count.
func (f *FlowController) SetReceiveMaximum(maximum uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maximum == 0 {
		maximum = defaultReceiveMaximum
	}
	f.receiveMaximum = maximum
}

// InFlight returns the number of held slots.
func (f *FlowController) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Available returns the number of free slots.
func (f *FlowController) Available() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return max(int(f.receiveMaximum)-f.inFlight, 0)
}

// TryAcquire takes a slot if one is free.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight >= int(f.receiveMaximum) {
		return false
	}
	f.inFlight++
	return true
}

// Acquire takes a slot or returns ErrQuotaExceeded.
func (f *FlowController) Acquire() error {
	if !f.TryAcquire() {
		return ErrQuotaExceeded
	}
	return nil
}

// Release frees a slot.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
}

// Restore sets the in-flight count directly. It is used when a session
// resumes with records that were already in flight; the count may exceed
// the limit until enough of them complete.
func (f *FlowController) Restore(inFlight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = inFlight
}

// Reset frees every slot.
func (f *FlowController) Reset() {
	f.Restore(0)
}
