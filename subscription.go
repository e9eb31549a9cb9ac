package mqttc

import "fmt"

// MessageHandler handles a delivered message.
type MessageHandler func(msg *Message)

// GlobalFilter selects incoming publishes independently of any single
// subscription.
type GlobalFilter uint8

const (
	// FilterAll receives every publish.
	FilterAll GlobalFilter = iota
	// FilterSubscribed receives publishes matching at least one active
	// subscription.
	FilterSubscribed
	// FilterUnsolicited receives publishes matching no active subscription.
	FilterUnsolicited
	// FilterRemaining receives publishes no other consumer received.
	FilterRemaining

	globalFilterCount
)

var globalFilterNames = [...]string{"ALL", "SUBSCRIBED", "UNSOLICITED", "REMAINING"}

func (f GlobalFilter) String() string {
	if f >= globalFilterCount {
		return "UNKNOWN"
	}
	return globalFilterNames[f]
}

// subExchange is one SUBSCRIBE or UNSUBSCRIBE request.
type subExchange struct {
	subscribe   *SubscribePacket
	unsubscribe *UnsubscribePacket
	handler     MessageHandler
	subToken    *SubscribeToken
	unsubToken  *UnsubscribeToken
}

func (x *subExchange) packet() PacketWithID {
	if x.subscribe != nil {
		return x.subscribe
	}
	return x.unsubscribe
}

func (x *subExchange) setPacketID(id uint16) {
	if x.subscribe != nil {
		x.subscribe.PacketID = id
	} else {
		x.unsubscribe.PacketID = id
	}
}

func (x *subExchange) fail(err error) {
	if x.subscribe != nil {
		x.subToken.finish(nil, err)
	} else {
		x.unsubToken.finish(nil, err)
	}
}

func (x *subExchange) filters() []string {
	if x.unsubscribe != nil {
		return x.unsubscribe.TopicFilters
	}
	out := make([]string, len(x.subscribe.Subscriptions))
	for i, s := range x.subscribe.Subscriptions {
		out[i] = s.TopicFilter
	}
	return out
}

// subscriptionConsumer is an active subscription and its handler.
type subscriptionConsumer struct {
	sub     Subscription
	handler MessageHandler
}

// subscriptionHandler correlates SUBSCRIBE and UNSUBSCRIBE with their acks
// and routes incoming publishes to consumers. It is owned by the client's
// executor; handlers run on the delivery goroutine.
type subscriptionHandler struct {
	ids          *PacketIDManager
	logger       Logger
	resubscribe  bool
	interceptors *interceptorChain

	// dispatch runs fn on the ordered delivery goroutine.
	dispatch func(fn func()) bool

	// idsReleased lets the outgoing handler retry after an id was freed.
	idsReleased func()

	sender packetSender
	cfg    ConnectionConfig

	queue   []*subExchange
	pending map[uint16]*subExchange
	active  []*subscriptionConsumer
	globals [globalFilterCount][]MessageHandler
}

func newSubscriptionHandler(ids *PacketIDManager, interceptors *interceptorChain, dispatch func(func()) bool, logger Logger, resubscribe bool) *subscriptionHandler {
	return &subscriptionHandler{
		ids:          ids,
		logger:       logger,
		resubscribe:  resubscribe,
		interceptors: interceptors,
		dispatch:     dispatch,
		pending:      make(map[uint16]*subExchange),
	}
}

func (h *subscriptionHandler) subscribe(pkt *SubscribePacket, handler MessageHandler, token *SubscribeToken) {
	h.queue = append(h.queue, &subExchange{subscribe: pkt, handler: handler, subToken: token})
	h.flush()
}

func (h *subscriptionHandler) unsubscribe(pkt *UnsubscribePacket, token *UnsubscribeToken) {
	h.queue = append(h.queue, &subExchange{unsubscribe: pkt, unsubToken: token})
	h.flush()
}

func (h *subscriptionHandler) addGlobal(f GlobalFilter, handler MessageHandler) {
	h.globals[f] = append(h.globals[f], handler)
}

func (h *subscriptionHandler) flush() {
	for h.sender != nil && len(h.queue) > 0 {
		x := h.queue[0]

		if err := h.checkCapabilities(x); err != nil {
			h.queue = h.queue[1:]
			x.fail(err)
			continue
		}

		id, err := h.ids.Allocate()
		if err != nil {
			return
		}
		h.queue = h.queue[1:]
		x.setPacketID(id)

		if err := h.sender.send(x.packet(), nil); err != nil {
			_ = h.ids.Release(id)
			x.fail(err)
			continue
		}
		h.pending[id] = x
	}
}

// checkCapabilities rejects subscriptions the server said it cannot serve.
func (h *subscriptionHandler) checkCapabilities(x *subExchange) error {
	if x.subscribe == nil {
		return nil
	}

	codes := make([]ReasonCode, len(x.subscribe.Subscriptions))
	refused := false
	for i, s := range x.subscribe.Subscriptions {
		switch {
		case isSharedSubscription(s.TopicFilter) && !h.cfg.SharedSubAvailable:
			codes[i], refused = ReasonSharedSubsNotSupported, true
		case containsWildcard(s.TopicFilter) && !h.cfg.WildcardSubAvailable:
			codes[i], refused = ReasonWildcardSubsNotSupported, true
		}
	}
	if !refused {
		return nil
	}
	return &SubscribeError{Filters: x.filters(), ReasonCodes: codes}
}

func (h *subscriptionHandler) take(id uint16) *subExchange {
	x := h.pending[id]
	if x != nil {
		delete(h.pending, id)
		_ = h.ids.Release(id)
	}
	return x
}

// onSuback activates every filter granted by p. The exchange fails as a
// whole only when every reason code is an error.
func (h *subscriptionHandler) onSuback(p *SubackPacket) error {
	x := h.pending[p.PacketID]
	if x == nil || x.subscribe == nil {
		return newProtocolViolation(ReasonProtocolError, "SUBACK for unknown packet id %d", p.PacketID)
	}
	h.take(p.PacketID)

	subs := x.subscribe.Subscriptions
	if len(p.ReasonCodes) != len(subs) {
		err := newProtocolViolation(ReasonProtocolError,
			"SUBACK carries %d reason codes for %d filters", len(p.ReasonCodes), len(subs))
		x.subToken.finish(p, err)
		return err
	}

	failed := 0
	for i, rc := range p.ReasonCodes {
		if rc.IsError() {
			failed++
			h.logger.Warn("subscription refused", LogFields{
				LogFieldTopic:  subs[i].TopicFilter,
				LogFieldReason: rc.String(),
			})
			continue
		}
		h.activate(subs[i], x.handler)
	}

	if failed == len(subs) {
		x.subToken.finish(p, &SubscribeError{Filters: x.filters(), ReasonCodes: p.ReasonCodes})
	} else {
		x.subToken.finish(p, nil)
	}
	h.released()
	return nil
}

func (h *subscriptionHandler) onUnsuback(p *UnsubackPacket) error {
	x := h.pending[p.PacketID]
	if x == nil || x.unsubscribe == nil {
		return newProtocolViolation(ReasonProtocolError, "UNSUBACK for unknown packet id %d", p.PacketID)
	}
	h.take(p.PacketID)

	filters := x.unsubscribe.TopicFilters
	v5 := h.cfg.Version == ProtocolV5
	if v5 && len(p.ReasonCodes) != len(filters) {
		err := newProtocolViolation(ReasonProtocolError,
			"UNSUBACK carries %d reason codes for %d filters", len(p.ReasonCodes), len(filters))
		x.unsubToken.finish(p, err)
		return err
	}

	failed := 0
	for i, f := range filters {
		if v5 && p.ReasonCodes[i].IsError() {
			failed++
			continue
		}
		h.deactivate(f)
	}

	if v5 && failed == len(filters) {
		x.unsubToken.finish(p, &UnsubscribeError{Filters: filters, ReasonCodes: p.ReasonCodes})
	} else {
		x.unsubToken.finish(p, nil)
	}
	h.released()
	return nil
}

// released sends exchanges that waited for a packet id.
func (h *subscriptionHandler) released() {
	h.flush()
	if h.idsReleased != nil {
		h.idsReleased()
	}
}

func (h *subscriptionHandler) activate(sub Subscription, handler MessageHandler) {
	for _, c := range h.active {
		if c.sub.TopicFilter == sub.TopicFilter {
			c.sub, c.handler = sub, handler
			return
		}
	}
	h.active = append(h.active, &subscriptionConsumer{sub: sub, handler: handler})
}

func (h *subscriptionHandler) deactivate(filter string) {
	for i, c := range h.active {
		if c.sub.TopicFilter == filter {
			h.active = append(h.active[:i], h.active[i+1:]...)
			return
		}
	}
}

// route hands msg to every matching consumer once. FilterRemaining is
// considered last, and only when nothing else took the message.
func (h *subscriptionHandler) route(msg *Message) {
	var handlers []MessageHandler
	subscribed := false
	for _, c := range h.active {
		if !TopicMatch(c.sub.TopicFilter, msg.Topic) {
			continue
		}
		subscribed = true
		if c.handler != nil {
			handlers = append(handlers, c.handler)
		}
	}

	handlers = append(handlers, h.globals[FilterAll]...)
	if subscribed {
		handlers = append(handlers, h.globals[FilterSubscribed]...)
	} else {
		handlers = append(handlers, h.globals[FilterUnsolicited]...)
	}
	if len(handlers) == 0 {
		handlers = h.globals[FilterRemaining]
	}
	if len(handlers) == 0 {
		h.logger.Debug("no consumer for message", LogFields{LogFieldTopic: msg.Topic})
		return
	}

	h.dispatch(func() {
		m := h.interceptors.onConsume(msg)
		if m == nil {
			return
		}
		for _, fn := range handlers {
			h.invoke(fn, m)
		}
	})
}

func (h *subscriptionHandler) invoke(fn MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message handler panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: r,
			})
		}
	}()
	fn(msg)
}

func (h *subscriptionHandler) onSessionStartOrResume(sender packetSender, cfg ConnectionConfig) {
	h.sender = sender
	h.cfg = cfg
	h.flush()
}

// onConnectionClosed fails every exchange still waiting for its ack.
// Requests not yet sent stay queued.
func (h *subscriptionHandler) onConnectionClosed(cause error) {
	h.sender = nil

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	for id := range h.pending {
		h.take(id).fail(err)
	}
}

// onSessionEnd forgets the active subscriptions, or queues them again
// when resubscribing is enabled.
func (h *subscriptionHandler) onSessionEnd(cause error) {
	for id := range h.pending {
		h.take(id).fail(&SessionExpiredError{Cause: cause})
	}

	active := h.active
	h.active = nil
	if !h.resubscribe || len(active) == 0 {
		return
	}

	requeue := make([]*subExchange, 0, len(active)+len(h.queue))
	for _, c := range active {
		requeue = append(requeue, &subExchange{
			subscribe: &SubscribePacket{Subscriptions: []Subscription{c.sub}},
			handler:   c.handler,
			subToken:  newSubscribeToken(),
		})
	}
	h.queue = append(requeue, h.queue...)
	h.logger.Info("resubscribing after session expiry", LogFields{"count": len(active)})
}

// activeFilters returns the filters of the active subscriptions.
func (h *subscriptionHandler) activeFilters() []string {
	out := make([]string, len(h.active))
	for i, c := range h.active {
		out[i] = c.sub.TopicFilter
	}
	return out
}

// failQueued fails every request that was never sent.
func (h *subscriptionHandler) failQueued(err error) {
	queue := h.queue
	h.queue = nil
	for _, x := range queue {
		x.fail(err)
	}
}
