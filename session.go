package mqttc

import (
	"errors"
	"time"
)

// ErrSessionNotPresent is the cause of a session that ended because the
// server answered a resume with session-present=0.
var ErrSessionNotPresent = errors.New("server has no session for this client")

// expiryGrace stretches the expiry timer past the negotiated interval.
const expiryGrace = 1.1

// packetSender queues packets on the current connection. The packet is
// encoded before send returns; an error means it can never be sent, for
// example because it exceeds the maximum packet size. A packet queued on a
// connection that is going away is dropped without an error. written, when
// set, runs once the bytes were handed to the transport or dropped; it runs
// outside the executor.
type packetSender interface {
	send(pkt Packet, written func(error)) error
}

// sessionHandler is implemented by the handlers whose state lives as long
// as the session.
type sessionHandler interface {
	// onSessionStartOrResume runs when a CONNACK starts or resumes the
	// session. In-flight state is flushed against sender.
	onSessionStartOrResume(sender packetSender, cfg ConnectionConfig)

	// onConnectionClosed runs when the physical connection is gone. The
	// session may still resume.
	onConnectionClosed(cause error)

	// onSessionEnd drops every piece of session state.
	onSessionEnd(cause error)
}

// session owns the outgoing QoS, incoming QoS and subscription handlers as
// a unit. All methods run on the client's executor.
type session struct {
	sched    Scheduler
	handlers []sessionHandler

	active       bool
	cancelExpiry func()

	// ended is told about every session teardown.
	ended func(cause error)
}

func newSession(sched Scheduler, ended func(error), handlers ...sessionHandler) *session {
	return &session{sched: sched, handlers: handlers, ended: ended}
}

// startOrResume applies an accepted CONNACK. A session the client believed
// active but the server no longer has is ended first.
func (s *session) startOrResume(connack *ConnackPacket, cfg ConnectionConfig, sender packetSender) {
	if s.active && !connack.SessionPresent {
		s.end(ErrSessionNotPresent)
	}

	s.stopExpiry()
	s.active = true
	for _, h := range s.handlers {
		h.onSessionStartOrResume(sender, cfg)
	}
}

// connectionClosed tells every handler the connection is gone.
func (s *session) connectionClosed(cause error) {
	for _, h := range s.handlers {
		h.onConnectionClosed(cause)
	}
}

// expire arms the expiry of the session after its connection dropped. It is
// called once the connection's writer has exited, so no write is in progress.
func (s *session) expire(cause error, cfg ConnectionConfig) {
	if !s.active {
		return
	}

	s.stopExpiry()
	switch interval := cfg.SessionExpiryInterval; interval {
	case SessionExpiryNever:
	case 0:
		// Deferred so that work already queued on the executor finishes
		// against the old session.
		s.cancelExpiry = s.sched.Schedule(0, func() { s.end(cause) })
	default:
		d := time.Duration(float64(interval) * expiryGrace * float64(time.Second))
		s.cancelExpiry = s.sched.Schedule(d, func() { s.end(cause) })
	}
}

// end tears the session down. Outgoing publishes fail first, then
// incoming state is dropped, then subscriptions.
func (s *session) end(cause error) {
	if !s.active {
		return
	}
	s.active = false
	s.stopExpiry()

	for _, h := range s.handlers {
		h.onSessionEnd(cause)
	}
	if s.ended != nil {
		s.ended(cause)
	}
}

func (s *session) stopExpiry() {
	if s.cancelExpiry != nil {
		s.cancelExpiry()
		s.cancelExpiry = nil
	}
}
