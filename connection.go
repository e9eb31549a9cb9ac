package mqttc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ConnectionState is the state of the client's connection state machine.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnectedReconnect
	StateConnectingReconnect
)

var connectionStateNames = [...]string{
	StateDisconnected:          "DISCONNECTED",
	StateConnecting:            "CONNECTING",
	StateConnected:             "CONNECTED",
	StateDisconnectedReconnect: "DISCONNECTED_RECONNECT",
	StateConnectingReconnect:   "CONNECTING_RECONNECT",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return fmt.Sprintf("ConnectionState(%d)", int32(s))
}

const (
	readBufferSize      = 4096
	defaultCloseTimeout = 5 * time.Second
)

var (
	// errQueueDrained ends the writer once a closing connection flushed
	// everything.
	errQueueDrained = errors.New("write queue drained")

	// errConnectCancelled is the cause of an attempt whose Connect context
	// was cancelled.
	errConnectCancelled = errors.New("connect cancelled")
)

// outbound is one encoded packet waiting for the writer.
type outbound struct {
	data    []byte
	kind    PacketType
	written func(error)
}

func (o outbound) done(err error) {
	if o.written != nil {
		o.written(err)
	}
}

// writeQueue is the unbounded FIFO between the executor and the writer.
type writeQueue struct {
	mu     sync.Mutex
	items  []outbound
	closed bool
	wake   chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

// push reports false once the queue was closed.
func (q *writeQueue) push(o outbound) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, o)
	q.mu.Unlock()

	q.signal()
	return true
}

// close stops accepting packets. Queued packets are still written.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks for the next packet. It returns false when the queue is
// closed and empty or ctx is done.
func (q *writeQueue) next(ctx context.Context) (outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			o := q.items[0]
			q.items[0] = outbound{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return o, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return outbound{}, false
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return outbound{}, false
		}
	}
}

// discard closes the queue and reports err for everything still in it.
func (q *writeQueue) discard(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()

	for _, o := range items {
		o.done(err)
	}
}

// connection is one physical connection attempt. Its fields without
// comments are owned by the client's executor.
type connection struct {
	client  *Client
	version ProtocolVersion
	connect *ConnectPacket
	auth    *authExchange
	server  string

	// Set before the goroutines start; read-only afterwards.
	transport    net.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	maxIncoming  uint32

	ctx    context.Context
	cancel context.CancelFunc

	queue     *writeQueue
	startRead chan struct{}
	lastWrite atomic.Int64 // unix nanos, written by the writer

	cfg       ConnectionConfig
	started   bool
	connected bool // a CONNACK was accepted
	closing   bool
	cause     error

	keepAlive     *keepAlive
	cancelTimeout func()
}

func newConnection(c *Client, connect *ConnectPacket) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		client:       c,
		version:      connect.Version,
		connect:      connect,
		writeTimeout: c.options.writeTimeout,
		maxIncoming:  c.options.maxPacketSize,
		ctx:          ctx,
		cancel:       cancel,
		queue:        newWriteQueue(),
		startRead:    make(chan struct{}),
	}
	if c.options.publishRate != rate.Inf {
		conn.limiter = rate.NewLimiter(c.options.publishRate, c.options.publishBurst)
	}
	return conn
}

// send implements packetSender.
func (conn *connection) send(pkt Packet, written func(error)) error {
	data, err := EncodePacket(pkt, conn.version, conn.cfg.MaxOutgoingPacketSize)
	if err != nil {
		return err
	}

	o := outbound{data: data, kind: pkt.Type(), written: written}
	if !conn.queue.push(o) {
		go o.done(ErrConnectionClosed)
	}
	return nil
}

func (conn *connection) lastWriteTime() time.Time {
	return time.Unix(0, conn.lastWrite.Load())
}

func (conn *connection) post(fn func()) bool {
	return conn.client.exec.Submit(fn)
}

func (conn *connection) stopTimers() {
	if conn.cancelTimeout != nil {
		conn.cancelTimeout()
		conn.cancelTimeout = nil
	}
	if conn.keepAlive != nil {
		conn.keepAlive.stop()
	}
}

// start runs the writer, reader and closer goroutines. The first to fail
// cancels the others; the outcome is posted to the executor.
func (conn *connection) start(transport net.Conn) {
	conn.transport = transport
	conn.started = true
	conn.lastWrite.Store(time.Now().UnixNano())

	g, ctx := errgroup.WithContext(conn.ctx)
	g.Go(func() error { return conn.writeLoop(ctx) })
	g.Go(func() error { return conn.readLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		transport.Close()
		return nil
	})

	go func() {
		err := g.Wait()
		conn.queue.discard(ErrConnectionClosed)
		conn.cancel()
		conn.post(func() { conn.client.onConnectionDone(conn, err) })
	}()
}

func (conn *connection) writeLoop(ctx context.Context) error {
	metrics := conn.client.metrics
	for {
		o, ok := conn.queue.next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return errQueueDrained
		}

		if o.kind == PacketPUBLISH && conn.limiter != nil {
			if err := conn.limiter.Wait(ctx); err != nil {
				o.done(ErrConnectionClosed)
				return nil
			}
		}

		if conn.writeTimeout > 0 {
			_ = conn.transport.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
		}
		if _, err := conn.transport.Write(o.data); err != nil {
			o.done(err)
			return &TransportError{Op: "write", Err: err}
		}

		conn.lastWrite.Store(time.Now().UnixNano())
		metrics.packetSent(o.kind, len(o.data))
		o.done(nil)

		if o.kind == PacketCONNECT {
			close(conn.startRead)
		}
	}
}

// readLoop starts once CONNECT is on the wire.
func (conn *connection) readLoop(ctx context.Context) error {
	select {
	case <-conn.startRead:
	case <-ctx.Done():
		return nil
	}

	metrics := conn.client.metrics
	dec := NewDecoder(conn.version, conn.maxIncoming)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.transport.Read(buf)
		if n > 0 {
			metrics.bytesReceived(n)
			dec.Feed(buf[:n])

			for {
				pkt, derr := dec.Next()
				if errors.Is(derr, ErrIncomplete) {
					break
				}
				if derr != nil {
					conn.post(func() { conn.client.closeConnection(conn, derr) })
					return nil
				}
				conn.post(func() { conn.client.onPacket(conn, pkt) })
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}
	}
}

// The methods below are the connection state machine. They run on the
// client's executor.

func (c *Client) setState(s ConnectionState) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", LogFields{LogFieldState: s.String(), "from": c.state.String()})
	c.state = s
	c.stateMirror.Store(int32(s))
}

func (c *Client) startConnect(tok *ConnectToken) {
	if c.closed {
		tok.fail(ErrClientClosed)
		return
	}

	switch c.state {
	case StateConnecting, StateConnectingReconnect:
		tok.fail(ErrAlreadyConnecting)
		return
	case StateConnected:
		tok.fail(ErrAlreadyConnected)
		return
	case StateDisconnectedReconnect:
		c.reconnect.stop()
	}

	c.reconnect.reset()
	c.connectToken = tok
	c.attempt(StateConnecting)
}

// attempt starts one connection attempt. The connect timeout covers
// dialing and the wait for CONNACK.
func (c *Client) attempt(state ConnectionState) {
	c.setState(state)

	connect := c.options.connectPacket(c.clientID)
	if state == StateConnectingReconnect && c.session.active {
		// Clean start applies to the first connection only.
		connect.CleanStart = false
	}
	conn := newConnection(c, connect)
	if c.options.enhancedAuth != nil && conn.version == ProtocolV5 {
		conn.auth = &authExchange{auth: c.options.enhancedAuth}
	}
	c.conn = conn

	if d := c.options.connectTimeout; d > 0 {
		conn.cancelTimeout = c.exec.Schedule(d, func() {
			conn.cancelTimeout = nil
			c.closeConnection(conn, &TransportError{Op: "connect", Err: ErrConnectTimeout})
		})
	}

	go c.dial(conn)
}

// dial resolves a server and opens the transport off the executor.
func (c *Client) dial(conn *connection) {
	server, err := c.nextServer(conn.ctx)

	var transport net.Conn
	if err == nil {
		transport, err = c.options.dialer.Dial(conn.ctx, server)
		if err != nil {
			err = &TransportError{Op: "dial", Err: err}
		}
	}
	if err == nil && conn.auth != nil {
		if aerr := conn.auth.start(conn.ctx, conn.connect); aerr != nil {
			err = fmt.Errorf("%w: %w", ErrAuthFailed, aerr)
		}
	}

	if !conn.post(func() { c.onDialed(conn, server, transport, err) }) && transport != nil {
		transport.Close()
	}
}

func (c *Client) onDialed(conn *connection, server string, transport net.Conn, err error) {
	if c.conn != conn || conn.closing {
		if transport != nil {
			transport.Close()
		}
		return
	}
	conn.server = server

	if err != nil {
		if transport != nil {
			transport.Close()
		}
		c.closeConnection(conn, err)
		return
	}

	c.logger.Debug("transport established", LogFields{LogFieldServer: server})
	conn.start(transport)
	if err := conn.send(conn.connect, nil); err != nil {
		c.closeConnection(conn, err)
	}
}

func (c *Client) onPacket(conn *connection, pkt Packet) {
	if c.conn != conn || conn.closing {
		return
	}
	c.metrics.packetReceived(pkt.Type())

	var err error
	if conn.connected {
		err = c.handleConnected(conn, pkt)
	} else {
		err = c.handleConnecting(conn, pkt)
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrProtocolViolation) {
		c.metrics.protocolError(ReasonFor(err))
		c.logger.Warn("protocol violation", LogFields{
			LogFieldPacketType: pkt.Type().String(),
			LogFieldError:      err.Error(),
		})
	}
	c.closeConnection(conn, err)
}

func (c *Client) handleConnecting(conn *connection, pkt Packet) error {
	switch p := pkt.(type) {
	case *ConnackPacket:
		return c.onConnack(conn, p)
	case *AuthPacket:
		if conn.auth == nil || p.ReasonCode != ReasonContinueAuth {
			return newProtocolViolation(ReasonProtocolError, "unexpected AUTH (%s) before CONNACK", p.ReasonCode)
		}
		return c.continueAuth(conn, p)
	default:
		return newProtocolViolation(ReasonProtocolError, "%s before CONNACK", pkt.Type())
	}
}

func (c *Client) continueAuth(conn *connection, p *AuthPacket) error {
	reply, err := conn.auth.step(conn.ctx, p)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return conn.send(reply, nil)
}

func (c *Client) onConnack(conn *connection, p *ConnackPacket) error {
	if p.ReasonCode.IsError() {
		if conn.version != ProtocolV5 && p.SessionPresent {
			return newProtocolViolation(ReasonProtocolError, "session present on refused CONNACK")
		}
		return NewConnectError(p.ReasonCode, &p.Props)
	}

	cfg, err := negotiateConfig(conn.connect, p, c.options.maxPacketSize)
	if err != nil {
		return err
	}
	if conn.auth != nil {
		if err := conn.auth.complete(conn.ctx, p); err != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
	}

	conn.cfg = cfg
	conn.connected = true
	conn.stopTimers()
	if cfg.AssignedClientID != "" {
		c.clientID = cfg.AssignedClientID
		c.clientIDMirror.Store(cfg.AssignedClientID)
	}

	c.setState(StateConnected)
	c.reconnect.reset()

	conn.keepAlive = newKeepAlive(cfg.KeepAlive, c.exec, conn.lastWriteTime,
		func() error { return conn.send(&PingreqPacket{}, nil) },
		func() { c.closeConnection(conn, &TransportError{Op: "keepalive", Err: ErrKeepAliveTimeout}) },
	)
	conn.keepAlive.start()

	c.logger.Info("connected", LogFields{
		LogFieldServer:    conn.server,
		"session_present": p.SessionPresent,
		"keep_alive":      cfg.KeepAlive.String(),
	})

	c.session.startOrResume(p, cfg, conn)

	if tok := c.connectToken; tok != nil {
		c.connectToken = nil
		tok.succeed(p)
	}
	c.emit(&ConnectedEvent{SessionPresent: p.SessionPresent, Config: cfg})
	return nil
}

func (c *Client) handleConnected(conn *connection, pkt Packet) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return c.incoming.onPublish(p)
	case *PubackPacket:
		return c.outgoing.onPuback(p)
	case *PubrecPacket:
		return c.outgoing.onPubrec(p)
	case *PubrelPacket:
		return c.incoming.onPubrel(p)
	case *PubcompPacket:
		return c.outgoing.onPubcomp(p)
	case *SubackPacket:
		return c.subs.onSuback(p)
	case *UnsubackPacket:
		return c.subs.onUnsuback(p)
	case *PingrespPacket:
		conn.keepAlive.onPingresp()
		return nil
	case *DisconnectPacket:
		return NewDisconnectError(p.ReasonCode, &p.Props, true)
	case *AuthPacket:
		switch {
		case conn.auth == nil:
			return newProtocolViolation(ReasonProtocolError, "AUTH without enhanced authentication")
		case p.ReasonCode == ReasonContinueAuth:
			return c.continueAuth(conn, p)
		case p.ReasonCode == ReasonSuccess:
			return nil
		}
		return newProtocolViolation(ReasonProtocolError, "AUTH with reason %s", p.ReasonCode)
	case *ConnackPacket:
		return newProtocolViolation(ReasonProtocolError, "second CONNACK")
	default:
		return newProtocolViolation(ReasonProtocolError, "unexpected %s from server", pkt.Type())
	}
}

// closeConnection begins an orderly close. A DISCONNECT is queued only when
// the connection reached CONNECTED; the writer then flushes the queue and
// the transport is closed. Calling it again has no effect.
func (c *Client) closeConnection(conn *connection, cause error) {
	if conn.closing {
		return
	}
	conn.closing = true
	conn.cause = cause
	conn.stopTimers()

	if !conn.started {
		conn.cancel()
		c.onConnectionDone(conn, nil)
		return
	}

	if conn.connected {
		if pkt := disconnectPacketFor(conn.version, cause); pkt != nil {
			_ = conn.send(pkt, nil)
		}
	}
	conn.queue.close()

	timeout := conn.writeTimeout
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	time.AfterFunc(timeout, conn.cancel)
}

// disconnectPacketFor returns the DISCONNECT reporting cause, or nil when
// none may be sent.
func disconnectPacketFor(version ProtocolVersion, cause error) *DisconnectPacket {
	var de *DisconnectError
	if errors.As(cause, &de) && de.Remote {
		return nil
	}

	if version != ProtocolV5 {
		if isUserDisconnect(cause) {
			return &DisconnectPacket{}
		}
		return nil
	}

	p := &DisconnectPacket{ReasonCode: ReasonFor(cause)}
	if de != nil && de.Properties != nil {
		p.Props = *de.Properties
	}
	return p
}

// onConnectionDone runs once the connection's goroutines have exited, or
// directly when the attempt never got a transport.
func (c *Client) onConnectionDone(conn *connection, err error) {
	if c.conn != conn {
		return
	}
	c.conn = nil

	if !conn.closing {
		conn.closing = true
		conn.cause = err
		conn.stopTimers()
	}
	cause := conn.cause
	if cause == nil {
		cause = &TransportError{Op: "close", Err: ErrConnectionClosed}
	}

	fields := LogFields{LogFieldServer: conn.server, LogFieldError: cause.Error()}
	if isUserDisconnect(cause) {
		c.logger.Info("disconnected", fields)
	} else {
		c.logger.Warn("connection closed", fields)
	}

	if conn.connected {
		c.session.connectionClosed(cause)
		c.session.expire(cause, conn.cfg)
		if !isUserDisconnect(cause) {
			c.emit(&ConnectionLostError{Cause: cause})
		}
	}

	if tok := c.connectToken; tok != nil {
		c.connectToken = nil
		tok.fail(cause)
	}

	if c.closed || isUserDisconnect(cause) || errors.Is(cause, errConnectCancelled) {
		c.setState(StateDisconnected)
		c.finishDisconnect()
		return
	}
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	rc, ok := c.reconnect.next(cause)
	if !ok {
		if rc != nil {
			c.logger.Info("reconnect cancelled", LogFields{LogFieldAttempt: rc.Attempt})
		}
		c.setState(StateDisconnected)
		return
	}

	c.setState(StateDisconnectedReconnect)
	c.metrics.reconnect()
	c.logger.Info("reconnecting", LogFields{
		LogFieldAttempt: rc.Attempt,
		LogFieldDelay:   rc.Delay.String(),
		LogFieldError:   cause.Error(),
	})
	c.emit(&ReconnectEvent{Attempt: rc.Attempt, MaxAttempts: rc.MaxAttempts, Delay: rc.Delay, Cause: cause})

	c.reconnect.cancel = c.exec.Schedule(rc.Delay, func() {
		c.reconnect.cancel = nil
		if c.state == StateDisconnectedReconnect && !c.closed {
			c.attempt(StateConnectingReconnect)
		}
	})
}

// disconnect closes the current connection on behalf of the user. A close
// already in progress is taken over so that it does not reconnect.
func (c *Client) disconnect(cause *DisconnectError, tok *DisconnectToken) {
	c.reconnect.stop()
	c.disconnectTokens = append(c.disconnectTokens, tok)

	conn := c.conn
	switch {
	case conn == nil:
		c.setState(StateDisconnected)
		c.finishDisconnect()
	case conn.closing:
		conn.cause = cause
	default:
		c.closeConnection(conn, cause)
	}
}

func (c *Client) finishDisconnect() {
	tokens := c.disconnectTokens
	c.disconnectTokens = nil
	for _, tok := range tokens {
		tok.finish(nil)
	}
}

func (c *Client) onSessionEnded(cause error) {
	c.metrics.sessionExpired()
	c.logger.Info("session ended", LogFields{LogFieldError: cause.Error()})
	c.emit(&SessionExpiredError{Cause: cause})
}
