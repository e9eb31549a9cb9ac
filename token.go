package mqttc

import (
	"context"
	"sync"
)

// Token is the completion handle of an asynchronous operation.
type Token interface {
	// Done is closed when the operation completes.
	Done() <-chan struct{}

	// Err returns the failure, or nil. It is only meaningful after Done.
	Err() error

	// Wait blocks until completion or ctx is done.
	Wait(ctx context.Context) error
}

type baseToken struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newBaseToken() baseToken {
	return baseToken{done: make(chan struct{})}
}

func (t *baseToken) Done() <-chan struct{} { return t.done }

func (t *baseToken) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *baseToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete finishes the token once; later calls are ignored and report false.
func (t *baseToken) complete(err error, set func()) bool {
	completed := false
	t.once.Do(func() {
		if set != nil {
			set()
		}
		t.err = err
		close(t.done)
		completed = true
	})
	return completed
}

// ConnectToken completes when the CONNACK is accepted or the attempt fails.
type ConnectToken struct {
	baseToken
	connack *ConnackPacket
}

func newConnectToken() *ConnectToken { return &ConnectToken{baseToken: newBaseToken()} }

// Connack returns the accepted CONNACK. A rejected CONNACK is reported
// through a *ConnectError instead.
func (t *ConnectToken) Connack() *ConnackPacket {
	<-t.done
	return t.connack
}

// SessionPresent reports the session-present flag of the accepted CONNACK.
func (t *ConnectToken) SessionPresent() bool {
	c := t.Connack()
	return c != nil && c.SessionPresent
}

func (t *ConnectToken) succeed(c *ConnackPacket) { t.complete(nil, func() { t.connack = c }) }
func (t *ConnectToken) fail(err error)           { t.complete(err, nil) }

// PublishResult is the outcome of an acknowledged publish.
type PublishResult struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties Properties
}

// PublishToken completes when the publish is acknowledged (QoS 1 and 2) or
// handed to the transport (QoS 0).
type PublishToken struct {
	baseToken
	result PublishResult
}

func newPublishToken() *PublishToken { return &PublishToken{baseToken: newBaseToken()} }

// Result returns the acknowledgment details.
func (t *PublishToken) Result() PublishResult {
	<-t.done
	return t.result
}

func (t *PublishToken) succeed(r PublishResult) { t.complete(nil, func() { t.result = r }) }
func (t *PublishToken) fail(err error)          { t.complete(err, nil) }

// SubscribeToken completes when the SUBACK arrives.
type SubscribeToken struct {
	baseToken
	suback *SubackPacket
}

func newSubscribeToken() *SubscribeToken { return &SubscribeToken{baseToken: newBaseToken()} }

// Suback returns the SUBACK, also when the exchange failed with a
// *SubscribeError.
func (t *SubscribeToken) Suback() *SubackPacket {
	<-t.done
	return t.suback
}

// ReasonCodes returns one reason code per requested filter.
func (t *SubscribeToken) ReasonCodes() []ReasonCode {
	if s := t.Suback(); s != nil {
		return s.ReasonCodes
	}
	return nil
}

func (t *SubscribeToken) finish(s *SubackPacket, err error) {
	t.complete(err, func() { t.suback = s })
}

// UnsubscribeToken completes when the UNSUBACK arrives.
type UnsubscribeToken struct {
	baseToken
	unsuback *UnsubackPacket
}

func newUnsubscribeToken() *UnsubscribeToken {
	return &UnsubscribeToken{baseToken: newBaseToken()}
}

// Unsuback returns the UNSUBACK.
func (t *UnsubscribeToken) Unsuback() *UnsubackPacket {
	<-t.done
	return t.unsuback
}

func (t *UnsubscribeToken) finish(u *UnsubackPacket, err error) {
	t.complete(err, func() { t.unsuback = u })
}

// DisconnectToken completes when the connection is closed.
type DisconnectToken struct {
	baseToken
}

func newDisconnectToken() *DisconnectToken { return &DisconnectToken{baseToken: newBaseToken()} }

func (t *DisconnectToken) finish(err error) { t.complete(err, nil) }
