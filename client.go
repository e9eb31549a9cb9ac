package mqttc

import (
	"context"
	"sync/atomic"
	"time"
)

// Client is an MQTT 3.1.1 and 5.0 client.
//
// Every operation returns a completion token immediately. Protocol state
// lives on one event loop per client; message handlers and event handlers
// run in order on a separate delivery goroutine.
type Client struct {
	options *clientOptions
	logger  Logger
	metrics *clientMetrics

	exec     *executor // protocol state
	delivery *executor // application callbacks

	closing     atomic.Bool
	serverIndex atomic.Uint32

	// Mirrors readable from any goroutine.
	stateMirror    atomic.Int32
	clientIDMirror atomic.Value

	// Owned by exec.
	state            ConnectionState
	conn             *connection
	clientID         string
	closed           bool
	connectToken     *ConnectToken
	disconnectTokens []*DisconnectToken

	ids          *PacketIDManager
	interceptors *interceptorChain
	session      *session
	outgoing     *outgoingQoSHandler
	incoming     *incomingQoSHandler
	subs         *subscriptionHandler
	reconnect    *reconnectController
}

// New returns a disconnected client. Call Connect to start it.
func New(opts ...Option) *Client {
	o := applyOptions(opts...)

	c := &Client{
		options:  o,
		logger:   o.logger.WithFields(LogFields{LogFieldClientID: o.clientID}),
		metrics:  newClientMetrics(o.metrics),
		exec:     newExecutor(),
		delivery: newExecutor(),
		clientID: o.clientID,
		ids:      NewPacketIDManager(),
	}
	c.clientIDMirror.Store(o.clientID)

	c.interceptors = &interceptorChain{
		producers: o.producerInterceptors,
		consumers: o.consumerInterceptors,
		logger:    c.logger,
	}
	c.subs = newSubscriptionHandler(c.ids, c.interceptors, c.delivery.Submit, c.logger, o.resubscribe)
	c.incoming = newIncomingQoSHandler(c.subs.route, c.metrics, c.logger)
	c.outgoing = newOutgoingQoSHandler(c.ids, c.metrics, c.logger, o.republish)
	c.outgoing.idsReleased = c.subs.flush
	c.subs.idsReleased = c.outgoing.drain
	c.session = newSession(c.exec, c.onSessionEnded, c.outgoing, c.incoming, c.subs)
	c.reconnect = &reconnectController{
		enabled:     o.autoReconnect,
		initial:     o.reconnectBackoff,
		maximum:     o.maxBackoff,
		maxAttempts: o.maxReconnects,
		strategy:    o.backoffStrategy,
		callback:    o.onReconnect,
	}
	return c
}

// Dial connects to an MQTT broker and returns a client.
// Use WithServers() or WithServerResolver() to configure server addresses.
func Dial(opts ...Option) (*Client, error) {
	return DialContext(context.Background(), opts...)
}

// DialContext connects to an MQTT broker with a context.
// The context controls the client's lifecycle: when canceled, the client will close.
func DialContext(ctx context.Context, opts ...Option) (*Client, error) {
	c := New(opts...)
	if len(c.options.servers) == 0 && c.options.serverResolver == nil {
		c.Close()
		return nil, ErrNoServers
	}

	if err := c.Connect(ctx).Wait(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.exec.Done():
			}
		}()
	}
	return c, nil
}

// Connect starts a connection attempt. The token completes with the
// CONNACK of this attempt, or its failure; with auto reconnect enabled the
// client keeps trying in the background after a failure. Cancelling ctx
// abandons an attempt that has not been acknowledged yet.
func (c *Client) Connect(ctx context.Context) *ConnectToken {
	tok := newConnectToken()
	if !c.exec.Submit(func() { c.startConnect(tok) }) {
		tok.fail(ErrClientClosed)
		return tok
	}

	stop := context.AfterFunc(ctx, func() {
		c.exec.Submit(func() {
			if c.connectToken == tok && c.conn != nil {
				c.closeConnection(c.conn, errConnectCancelled)
			}
		})
	})
	go func() {
		<-tok.Done()
		stop()
	}()
	return tok
}

// Publish submits msg. While the client is disconnected, or the server's
// receive maximum is reached, the message waits in a queue. The token
// completes when the exchange for the message's QoS finishes.
func (c *Client) Publish(msg *Message) *PublishToken {
	tok := newPublishToken()
	if msg == nil {
		tok.fail(&PublishError{Err: ErrTopicNameEmpty})
		return tok
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		tok.fail(&PublishError{Topic: msg.Topic, Err: err})
		return tok
	}
	if msg.QoS > QoS2 {
		tok.fail(&PublishError{Topic: msg.Topic, Err: ErrInvalidQoS})
		return tok
	}

	m := c.interceptors.onSend(msg.Clone())
	if m == nil {
		tok.fail(&PublishError{Topic: msg.Topic, Err: ErrMessageDropped})
		return tok
	}

	if !c.exec.Submit(func() {
		if c.closed {
			tok.fail(&PublishError{Topic: m.Topic, Err: ErrClientClosed})
			return
		}
		c.outgoing.submit(m, tok)
	}) {
		tok.fail(&PublishError{Topic: m.Topic, Err: ErrClientClosed})
	}
	return tok
}

// Subscribe subscribes to a topic filter with a message handler.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) *SubscribeToken {
	return c.SubscribeWith(&SubscribePacket{
		Subscriptions: []Subscription{{TopicFilter: filter, QoS: qos}},
	}, handler)
}

// SubscribeMultiple subscribes to multiple topic filters with a single handler.
func (c *Client) SubscribeMultiple(subs []Subscription, handler MessageHandler) *SubscribeToken {
	return c.SubscribeWith(&SubscribePacket{Subscriptions: subs}, handler)
}

// SubscribeWith sends pkt, which may carry v5 options and properties. The
// packet identifier is assigned by the client. handler receives every
// message matching a granted filter from the SUBACK on.
func (c *Client) SubscribeWith(pkt *SubscribePacket, handler MessageHandler) *SubscribeToken {
	tok := newSubscribeToken()
	if len(pkt.Subscriptions) == 0 {
		tok.finish(nil, ErrEmptySubscription)
		return tok
	}
	for _, s := range pkt.Subscriptions {
		if err := ValidateTopicFilter(s.TopicFilter); err != nil {
			tok.finish(nil, err)
			return tok
		}
		if s.QoS > QoS2 {
			tok.finish(nil, ErrInvalidQoS)
			return tok
		}
	}

	p := *pkt
	p.Subscriptions = append([]Subscription(nil), pkt.Subscriptions...)
	if !c.exec.Submit(func() {
		if c.closed {
			tok.finish(nil, ErrClientClosed)
			return
		}
		c.subs.subscribe(&p, handler, tok)
	}) {
		tok.finish(nil, ErrClientClosed)
	}
	return tok
}

// Unsubscribe removes topic filters. Their handlers stop receiving
// messages once the UNSUBACK arrives.
func (c *Client) Unsubscribe(filters ...string) *UnsubscribeToken {
	tok := newUnsubscribeToken()
	if len(filters) == 0 {
		tok.finish(nil, ErrEmptySubscription)
		return tok
	}
	for _, f := range filters {
		if err := ValidateTopicFilter(f); err != nil {
			tok.finish(nil, err)
			return tok
		}
	}

	pkt := &UnsubscribePacket{TopicFilters: append([]string(nil), filters...)}
	if !c.exec.Submit(func() {
		if c.closed {
			tok.finish(nil, ErrClientClosed)
			return
		}
		c.subs.unsubscribe(pkt, tok)
	}) {
		tok.finish(nil, ErrClientClosed)
	}
	return tok
}

// OnPublish registers a handler for a global filter. Handlers run on the
// delivery goroutine after consumer interceptors.
func (c *Client) OnPublish(filter GlobalFilter, handler MessageHandler) {
	c.exec.Submit(func() { c.subs.addGlobal(filter, handler) })
}

// Disconnect sends DISCONNECT with reason Success and closes the
// connection. The client does not reconnect; queued work stays queued for
// the next Connect.
func (c *Client) Disconnect() *DisconnectToken {
	return c.DisconnectWithReason(ReasonSuccess, nil)
}

// DisconnectWithReason is Disconnect with a v5 reason code and properties,
// e.g. ReasonDisconnectWithWill.
func (c *Client) DisconnectWithReason(reason ReasonCode, props *Properties) *DisconnectToken {
	tok := newDisconnectToken()
	cause := NewDisconnectError(reason, props, false)
	if !c.exec.Submit(func() { c.disconnect(cause, tok) }) {
		tok.finish(ErrClientClosed)
	}
	return tok
}

// Close disconnects from the broker and releases resources. Pending and
// queued work fails with ErrClientClosed.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout())
	defer cancel()
	_ = c.Disconnect().Wait(ctx)

	c.exec.Call(func() {
		c.closed = true
		c.reconnect.stop()
		if c.conn != nil {
			c.conn.cancel()
		}
		c.session.end(ErrClientClosed)
		c.outgoing.failQueued(ErrClientClosed)
		c.subs.failQueued(ErrClientClosed)
		c.setState(StateDisconnected)
		c.finishDisconnect()
	})
	c.exec.Stop()
	c.delivery.Stop()
	return nil
}

func (c *Client) closeTimeout() time.Duration {
	if c.options.writeTimeout > 0 {
		return c.options.writeTimeout + time.Second
	}
	return defaultCloseTimeout + time.Second
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.stateMirror.Load())
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// ClientID returns the client identifier, which a v5 server may have
// assigned.
func (c *Client) ClientID() string {
	id, _ := c.clientIDMirror.Load().(string)
	return id
}

// emit hands event to the event handler on the delivery goroutine.
func (c *Client) emit(event error) {
	if handler := c.options.onEvent; handler != nil {
		c.delivery.Submit(func() { handler(c, event) })
	}
}

// nextServer picks the next address round-robin. Resolved servers win over
// static ones.
func (c *Client) nextServer(ctx context.Context) (string, error) {
	var servers []string
	if c.options.serverResolver != nil {
		resolved, err := c.options.serverResolver(ctx)
		if err != nil {
			c.logger.Warn("server resolver failed", LogFields{LogFieldError: err.Error()})
		} else {
			servers = resolved
		}
	}
	if len(servers) == 0 {
		servers = c.options.servers
	}
	if len(servers) == 0 {
		return "", ErrNoServers
	}

	index := c.serverIndex.Add(1) - 1
	return servers[index%uint32(len(servers))], nil
}
