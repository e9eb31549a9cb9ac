package mqttc

import (
	"errors"
	"fmt"
	"time"
)

// EventHandler receives lifecycle events. Events are errors so they can be
// matched with errors.Is and unpacked with errors.As.
type EventHandler func(client *Client, event error)

// Lifecycle sentinels.
var (
	ErrConnected        = errors.New("connected")
	ErrDisconnected     = errors.New("disconnected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrReconnecting     = errors.New("reconnecting")
	ErrServerDisconnect = errors.New("server disconnect")
)

// Error classes. Every error surfaced by the client unwraps to one of these.
var (
	// ErrMalformedPacket is a packet that could not be parsed.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrProtocolViolation is a well-formed packet that is illegal in the
	// current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConnectRejected is a CONNACK carrying an error reason.
	ErrConnectRejected = errors.New("connect rejected")

	// ErrSessionExpired fails exchanges that belonged to a session the
	// server no longer has.
	ErrSessionExpired = errors.New("session expired")

	// ErrTransport is a read, write or dial failure, or a timeout.
	ErrTransport = errors.New("transport error")
)

// Operation errors.
var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrConnectTimeout     = errors.New("timed out waiting for CONNACK")
	ErrKeepAliveTimeout   = errors.New("keep-alive timeout")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrAlreadyConnecting  = errors.New("connect already in progress")
	ErrNotConnected       = errors.New("not connected")
	ErrClientClosed       = errors.New("client closed")
	ErrConnectionClosed   = errors.New("connection closed before acknowledgment")
	ErrPublishFailed      = errors.New("publish failed")
	ErrSubscribeFailed    = errors.New("subscribe failed")
	ErrUnsubscribeFailed  = errors.New("unsubscribe failed")
	ErrRetainNotSupported = errors.New("server does not support retained messages")
	ErrNoServers          = errors.New("no servers configured")
)

// DecodeError is a packet the codec rejected. Reason is the DISCONNECT reason
// to send: malformed packet, protocol error or packet too large.
type DecodeError struct {
	Reason ReasonCode
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error (%s): %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	switch e.Reason {
	case ReasonProtocolError:
		return []error{ErrProtocolViolation, e.Err}
	case ReasonPacketTooLarge:
		return []error{ErrPacketTooLarge, e.Err}
	default:
		return []error{ErrMalformedPacket, e.Err}
	}
}

// ProtocolViolationError is a packet that parsed but is not allowed here.
type ProtocolViolationError struct {
	Reason ReasonCode
	Msg    string
}

func newProtocolViolation(reason ReasonCode, format string, args ...any) *ProtocolViolationError {
	return &ProtocolViolationError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Msg
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// ConnectError is a refused connection. Extract with errors.As.
type ConnectError struct {
	ReasonCode ReasonCode
	Properties *Properties
}

// NewConnectError returns the error for a CONNACK carrying reason.
func NewConnectError(reason ReasonCode, props *Properties) *ConnectError {
	return &ConnectError{ReasonCode: reason, Properties: props}
}

func (e *ConnectError) Error() string {
	return "connect rejected: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() []error {
	if e.ReasonCode == ReasonBadUserNameOrPassword || e.ReasonCode == ReasonNotAuthorized ||
		e.ReasonCode == ReasonBadAuthMethod {
		return []error{ErrConnectRejected, ErrAuthFailed}
	}
	return []error{ErrConnectRejected}
}

// SessionExpiredError fails an exchange whose session was torn down.
type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause != nil {
		return "session expired: " + e.Cause.Error()
	}
	return "session expired"
}

func (e *SessionExpiredError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSessionExpired}
	}
	return []error{ErrSessionExpired, e.Cause}
}

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// DisconnectError describes a DISCONNECT, sent by either side.
type DisconnectError struct {
	ReasonCode ReasonCode
	Properties *Properties
	Remote     bool // sent by the server
}

// NewDisconnectError returns a DisconnectError.
func NewDisconnectError(reason ReasonCode, props *Properties, remote bool) *DisconnectError {
	return &DisconnectError{ReasonCode: reason, Properties: props, Remote: remote}
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return "server disconnect: " + e.ReasonCode.String()
	}
	return "disconnected: " + e.ReasonCode.String()
}

func (e *DisconnectError) Unwrap() error {
	if e.Remote {
		return ErrServerDisconnect
	}
	return ErrDisconnected
}

// PublishError is a publish the server acknowledged with an error reason,
// or one that could not be sent.
type PublishError struct {
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return "publish failed: " + e.Err.Error()
	}
	return "publish failed: " + e.ReasonCode.String()
}

func (e *PublishError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPublishFailed, e.Err}
	}
	return []error{ErrPublishFailed}
}

// SubscribeError is a SUBACK whose every reason code was an error.
type SubscribeError struct {
	Filters     []string
	ReasonCodes []ReasonCode
}

func (e *SubscribeError) Error() string {
	if len(e.ReasonCodes) == 0 {
		return "subscribe failed"
	}
	return "subscribe failed: " + e.ReasonCodes[0].String()
}

func (e *SubscribeError) Unwrap() error { return ErrSubscribeFailed }

// UnsubscribeError is an UNSUBACK whose every reason code was an error.
type UnsubscribeError struct {
	Filters     []string
	ReasonCodes []ReasonCode
}

func (e *UnsubscribeError) Error() string { return "unsubscribe failed" }

func (e *UnsubscribeError) Unwrap() error { return ErrUnsubscribeFailed }

// ConnectedEvent is emitted after every accepted CONNACK.
type ConnectedEvent struct {
	SessionPresent bool
	Config         ConnectionConfig
}

func (e *ConnectedEvent) Error() string { return ErrConnected.Error() }
func (e *ConnectedEvent) Unwrap() error { return ErrConnected }

// ConnectionLostError is emitted when a connection that reached CONNECTED
// goes away for any reason other than Disconnect.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

// ReconnectEvent is emitted before every scheduled reconnect attempt.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Cause       error
}

func (e *ReconnectEvent) Error() string {
	return fmt.Sprintf("reconnecting (attempt %d) in %s", e.Attempt, e.Delay)
}

func (e *ReconnectEvent) Unwrap() error { return ErrReconnecting }

// ReasonFor maps err onto the reason code carried by the DISCONNECT that
// reports it.
func ReasonFor(err error) ReasonCode {
	if err == nil {
		return ReasonSuccess
	}

	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	var pv *ProtocolViolationError
	if errors.As(err, &pv) {
		return pv.Reason
	}
	var dis *DisconnectError
	if errors.As(err, &dis) {
		return dis.ReasonCode
	}

	switch {
	case errors.Is(err, ErrKeepAliveTimeout):
		return ReasonKeepAliveTimeout
	case errors.Is(err, ErrPacketTooLarge):
		return ReasonPacketTooLarge
	case errors.Is(err, ErrMalformedPacket):
		return ReasonMalformedPacket
	case errors.Is(err, ErrProtocolViolation):
		return ReasonProtocolError
	default:
		return ReasonUnspecifiedError
	}
}
