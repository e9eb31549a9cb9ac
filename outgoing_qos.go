package mqttc

import (
	"slices"
	"time"
)

type outgoingState uint8

const (
	outgoingSent     outgoingState = iota // PUBLISH sent
	outgoingReceived                      // PUBREC received, PUBREL sent
)

// outgoingPublish is a submitted publish that has no packet id yet.
type outgoingPublish struct {
	msg       *Message
	token     *PublishToken
	submitted time.Time
}

// outgoingRecord is a QoS 1 or 2 publish awaiting its final acknowledgment.
type outgoingRecord struct {
	outgoingPublish
	packetID uint16
	qos      byte
	dup      bool
	state    outgoingState
}

func (r *outgoingRecord) publishPacket() *PublishPacket {
	p := r.msg.toPublish()
	p.QoS = r.qos
	p.PacketID = r.packetID
	p.DUP = r.dup
	return p
}

// outgoingQoSHandler tracks client publishes until they are acknowledged.
// In-flight records never exceed the server's receive maximum; everything
// beyond it waits in a FIFO queue. It is owned by the client's executor.
type outgoingQoSHandler struct {
	ids       *PacketIDManager
	quota     *FlowController
	metrics   *clientMetrics
	logger    Logger
	republish bool

	// idsReleased lets the subscription handler retry after an id was freed.
	idsReleased func()

	sender packetSender
	cfg    ConnectionConfig

	inflight []*outgoingRecord // send order
	byID     map[uint16]*outgoingRecord
	queue    []outgoingPublish
}

func newOutgoingQoSHandler(ids *PacketIDManager, metrics *clientMetrics, logger Logger, republish bool) *outgoingQoSHandler {
	return &outgoingQoSHandler{
		ids:       ids,
		quota:     NewFlowController(defaultReceiveMaximum),
		metrics:   metrics,
		logger:    logger,
		republish: republish,
		byID:      make(map[uint16]*outgoingRecord),
	}
}

// submit queues msg and sends whatever the quota allows.
func (h *outgoingQoSHandler) submit(msg *Message, token *PublishToken) {
	h.queue = append(h.queue, outgoingPublish{msg: msg, token: token, submitted: time.Now()})
	h.drain()
}

func (h *outgoingQoSHandler) drain() {
	for h.sender != nil && len(h.queue) > 0 {
		next := h.queue[0]

		if next.msg.Retain && !h.cfg.RetainAvailable {
			h.queue = h.queue[1:]
			next.token.fail(&PublishError{
				Topic:      next.msg.Topic,
				ReasonCode: ReasonRetainNotSupported,
				Err:        ErrRetainNotSupported,
			})
			continue
		}

		qos := min(next.msg.QoS, h.cfg.MaximumQoS)
		if qos == QoS0 {
			h.queue = h.queue[1:]
			h.sendQoS0(next)
			continue
		}

		if !h.quota.TryAcquire() {
			return
		}
		id, err := h.ids.Allocate()
		if err != nil {
			h.quota.Release()
			return
		}
		h.queue = h.queue[1:]

		r := &outgoingRecord{outgoingPublish: next, packetID: id, qos: qos}
		if err := h.sender.send(r.publishPacket(), nil); err != nil {
			h.ids.Release(id)
			h.quota.Release()
			next.token.fail(&PublishError{Topic: next.msg.Topic, PacketID: id, Err: err})
			continue
		}

		h.inflight = append(h.inflight, r)
		h.byID[id] = r
		h.metrics.inflightOutgoing(len(h.inflight))
	}
}

func (h *outgoingQoSHandler) sendQoS0(p outgoingPublish) {
	pkt := p.msg.toPublish()
	pkt.QoS = QoS0

	fail := func(err error) { p.token.fail(&PublishError{Topic: p.msg.Topic, Err: err}) }
	err := h.sender.send(pkt, func(err error) {
		if err != nil {
			fail(err)
			return
		}
		h.metrics.publishCompleted(QoS0, time.Since(p.submitted))
		p.token.succeed(PublishResult{})
	})
	if err != nil {
		fail(err)
	}
}

func (h *outgoingQoSHandler) onPuback(p *PubackPacket) error {
	r := h.byID[p.PacketID]
	if r == nil || r.qos != QoS1 {
		return newProtocolViolation(ReasonProtocolError, "PUBACK for unknown packet id %d", p.PacketID)
	}
	h.complete(r, p.ReasonCode, p.Props)
	return nil
}

func (h *outgoingQoSHandler) onPubrec(p *PubrecPacket) error {
	r := h.byID[p.PacketID]
	if r == nil || r.qos != QoS2 {
		return newProtocolViolation(ReasonProtocolError, "PUBREC for unknown packet id %d", p.PacketID)
	}

	switch {
	case r.state == outgoingReceived:
		// Our PUBREL was lost; answer the repeated PUBREC again.
	case p.ReasonCode.IsError():
		h.complete(r, p.ReasonCode, p.Props)
		return nil
	default:
		r.state = outgoingReceived
	}
	return h.sendPubrel(r)
}

func (h *outgoingQoSHandler) onPubcomp(p *PubcompPacket) error {
	r := h.byID[p.PacketID]
	if r == nil || r.qos != QoS2 || r.state != outgoingReceived {
		return newProtocolViolation(ReasonProtocolError, "PUBCOMP for unknown packet id %d", p.PacketID)
	}
	h.complete(r, p.ReasonCode, p.Props)
	return nil
}

func (h *outgoingQoSHandler) sendPubrel(r *outgoingRecord) error {
	if h.sender == nil {
		return nil
	}
	return h.sender.send(&PubrelPacket{PacketID: r.packetID}, nil)
}

// release removes r from the in-flight set and frees its id and slot.
func (h *outgoingQoSHandler) release(r *outgoingRecord) {
	delete(h.byID, r.packetID)
	h.inflight = slices.DeleteFunc(h.inflight, func(x *outgoingRecord) bool { return x == r })
	_ = h.ids.Release(r.packetID)
	h.quota.Release()
	h.metrics.inflightOutgoing(len(h.inflight))
}

func (h *outgoingQoSHandler) complete(r *outgoingRecord, rc ReasonCode, props Properties) {
	h.release(r)
	h.metrics.publishCompleted(r.qos, time.Since(r.submitted))

	if rc.IsError() {
		r.token.fail(&PublishError{Topic: r.msg.Topic, PacketID: r.packetID, ReasonCode: rc})
	} else {
		r.token.succeed(PublishResult{PacketID: r.packetID, ReasonCode: rc, Properties: props})
	}
	h.drain()
	if h.idsReleased != nil {
		h.idsReleased()
	}
}

// onSessionStartOrResume re-sends every in-flight record in its original
// order, PUBLISH with DUP for SENT and PUBREL for RECEIVED, before any
// queued publish goes out.
func (h *outgoingQoSHandler) onSessionStartOrResume(sender packetSender, cfg ConnectionConfig) {
	h.sender = sender
	h.cfg = cfg
	h.quota.SetReceiveMaximum(cfg.PeerReceiveMaximum)
	h.quota.Restore(len(h.inflight))

	for _, r := range slices.Clone(h.inflight) {
		var pkt Packet = &PubrelPacket{PacketID: r.packetID}
		if r.state == outgoingSent {
			r.dup = true
			pkt = r.publishPacket()
		}

		if err := sender.send(pkt, nil); err != nil {
			h.release(r)
			r.token.fail(&PublishError{Topic: r.msg.Topic, PacketID: r.packetID, Err: err})
		}
	}

	h.drain()
}

func (h *outgoingQoSHandler) onConnectionClosed(error) {
	h.sender = nil
}

// onSessionEnd fails every in-flight record, or puts it back at the head of
// the queue as a fresh exchange when republishing is enabled. Publishes that
// were never sent stay queued for the next session.
func (h *outgoingQoSHandler) onSessionEnd(cause error) {
	records := h.inflight
	h.inflight = nil
	clear(h.byID)
	for _, r := range records {
		_ = h.ids.Release(r.packetID)
	}
	h.quota.Reset()
	h.metrics.inflightOutgoing(0)

	if h.republish {
		requeue := make([]outgoingPublish, 0, len(records)+len(h.queue))
		for _, r := range records {
			requeue = append(requeue, r.outgoingPublish)
		}
		h.queue = append(requeue, h.queue...)
		if len(records) > 0 {
			h.logger.Info("republishing in-flight messages of expired session", LogFields{"count": len(records)})
		}
		return
	}

	for _, r := range records {
		r.token.fail(&SessionExpiredError{Cause: cause})
	}
}

// failQueued fails every publish that never got a packet id.
func (h *outgoingQoSHandler) failQueued(err error) {
	queue := h.queue
	h.queue = nil
	for _, p := range queue {
		p.token.fail(&PublishError{Topic: p.msg.Topic, Err: err})
	}
}
