package mqttc

// incomingQoSHandler acknowledges server publishes and keeps the QoS 2
// state that makes delivery exactly once. It is owned by the client's
// executor.
type incomingQoSHandler struct {
	quota   *FlowController
	aliases *TopicAliasManager
	metrics *clientMetrics
	logger  Logger

	// deliver hands a message to the subscription handler. It must not block.
	deliver func(*Message)

	sender packetSender
	cfg    ConnectionConfig

	awaitingRel map[uint16]struct{} // PUBREC sent, waiting for PUBREL
	released    map[uint16]struct{} // PUBCOMP sent
	expired     map[uint16]struct{} // held by the previous session
}

func newIncomingQoSHandler(deliver func(*Message), metrics *clientMetrics, logger Logger) *incomingQoSHandler {
	return &incomingQoSHandler{
		quota:       NewFlowController(defaultReceiveMaximum),
		aliases:     NewTopicAliasManager(0),
		metrics:     metrics,
		logger:      logger,
		deliver:     deliver,
		awaitingRel: make(map[uint16]struct{}),
		released:    make(map[uint16]struct{}),
		expired:     make(map[uint16]struct{}),
	}
}

// onPublish delivers p and acknowledges it. QoS 1 is acknowledged after the
// message is handed off for delivery. QoS 2 is delivered on the first
// PUBLISH; a redelivery with the same id only repeats the PUBREC.
func (h *incomingQoSHandler) onPublish(p *PublishPacket) error {
	if h.cfg.Version == ProtocolV5 {
		if err := h.aliases.Resolve(p); err != nil {
			return newProtocolViolation(ReasonTopicAliasInvalid, "PUBLISH topic alias: %v", err)
		}
	}

	switch p.QoS {
	case QoS0:
		h.deliver(messageFromPublish(p))
		return nil

	case QoS1:
		h.deliver(messageFromPublish(p))
		return h.ack(&PubackPacket{PacketID: p.PacketID})
	}

	id := p.PacketID
	if _, dup := h.awaitingRel[id]; dup {
		return h.ack(&PubrecPacket{PacketID: id})
	}
	if !h.quota.TryAcquire() {
		return newProtocolViolation(ReasonReceiveMaxExceeded,
			"more than %d QoS 2 publishes awaiting PUBREL", h.quota.ReceiveMaximum())
	}

	delete(h.released, id)
	delete(h.expired, id)
	h.awaitingRel[id] = struct{}{}
	h.metrics.inflightIncoming(len(h.awaitingRel))

	h.deliver(messageFromPublish(p))
	return h.ack(&PubrecPacket{PacketID: id})
}

func (h *incomingQoSHandler) onPubrel(p *PubrelPacket) error {
	id := p.PacketID

	if _, ok := h.awaitingRel[id]; ok {
		delete(h.awaitingRel, id)
		h.released[id] = struct{}{}
		h.quota.Release()
		h.metrics.inflightIncoming(len(h.awaitingRel))
		return h.ack(&PubcompPacket{PacketID: id})
	}
	if _, ok := h.released[id]; ok {
		return h.ack(&PubcompPacket{PacketID: id})
	}
	if _, ok := h.expired[id]; ok {
		h.logger.Debug("ignoring PUBREL from expired session", LogFields{LogFieldPacketID: id})
		return nil
	}

	return newProtocolViolation(ReasonProtocolError, "PUBREL for unknown packet id %d", id)
}

func (h *incomingQoSHandler) ack(pkt Packet) error {
	if h.sender == nil {
		return nil
	}
	return h.sender.send(pkt, nil)
}

func (h *incomingQoSHandler) onSessionStartOrResume(sender packetSender, cfg ConnectionConfig) {
	h.sender = sender
	h.cfg = cfg
	h.quota.SetReceiveMaximum(cfg.ReceiveMaximum)
	h.quota.Restore(len(h.awaitingRel))
	h.aliases.SetMaximum(cfg.TopicAliasMaximum)
}

func (h *incomingQoSHandler) onConnectionClosed(error) {
	h.sender = nil
	h.aliases.Clear()
}

// onSessionEnd drops the QoS 2 state and remembers its ids, so a late
// PUBREL for one of them is not mistaken for a protocol error.
func (h *incomingQoSHandler) onSessionEnd(error) {
	expired := make(map[uint16]struct{}, len(h.awaitingRel)+len(h.released))
	for id := range h.awaitingRel {
		expired[id] = struct{}{}
	}
	for id := range h.released {
		expired[id] = struct{}{}
	}

	h.expired = expired
	clear(h.awaitingRel)
	clear(h.released)
	h.quota.Reset()
	h.metrics.inflightIncoming(0)
}

// awaiting returns the number of QoS 2 publishes waiting for PUBREL.
func (h *incomingQoSHandler) awaiting() int { return len(h.awaitingRel) }
