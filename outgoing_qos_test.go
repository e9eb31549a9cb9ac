package mqttc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutgoingHarness(republish bool) (*outgoingQoSHandler, *fakeSender, *PacketIDManager) {
	ids := NewPacketIDManager()
	h := newOutgoingQoSHandler(ids, newClientMetrics(nil), NewNoOpLogger(), republish)
	return h, &fakeSender{}, ids
}

func publishIDs(t *testing.T, pkts []Packet) []uint16 {
	t.Helper()

	ids := make([]uint16, 0, len(pkts))
	for _, pkt := range pkts {
		p, ok := pkt.(*PublishPacket)
		require.True(t, ok, "expected PUBLISH, got %s", pkt.Type())
		ids = append(ids, p.PacketID)
	}
	return ids
}

func TestOutgoingQoS0(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", Payload: []byte("x")}, tok)

	require.Len(t, sender.sent, 1)
	pkt := sender.sent[0].(*PublishPacket)
	assert.Zero(t, pkt.PacketID)
	require.True(t, isDone(tok))
	assert.NoError(t, tok.Err())
}

func TestOutgoingQueuedWhileDisconnected(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS1}, tok)
	assert.False(t, isDone(tok))

	h.onSessionStartOrResume(sender, testConfig())
	assert.Equal(t, []uint16{1}, publishIDs(t, sender.sent))
}

func TestOutgoingQoS1(t *testing.T) {
	h, sender, ids := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS1}, tok)
	require.Len(t, sender.sent, 1)
	assert.False(t, isDone(tok))

	var props Properties
	props.Set(PropReasonString, "ok")
	require.NoError(t, h.onPuback(&PubackPacket{PacketID: 1, ReasonCode: ReasonNoMatchingSubscribers, Props: props}))

	require.True(t, isDone(tok))
	require.NoError(t, tok.Err())
	res := tok.Result()
	assert.Equal(t, uint16(1), res.PacketID)
	assert.Equal(t, ReasonNoMatchingSubscribers, res.ReasonCode)
	assert.Equal(t, "ok", res.Properties.GetString(PropReasonString))
	assert.Zero(t, ids.InUse())
}

func TestOutgoingQoS1ErrorReason(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS1}, tok)
	require.NoError(t, h.onPuback(&PubackPacket{PacketID: 1, ReasonCode: ReasonNotAuthorized}))

	var pe *PublishError
	require.ErrorAs(t, tok.Err(), &pe)
	assert.Equal(t, ReasonNotAuthorized, pe.ReasonCode)
	assert.Equal(t, "a", pe.Topic)
}

func TestOutgoingReceiveMaximum(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	cfg := testConfig()
	cfg.PeerReceiveMaximum = 2
	h.onSessionStartOrResume(sender, cfg)

	toks := make([]*PublishToken, 3)
	for i := range toks {
		toks[i] = newPublishToken()
		h.submit(&Message{Topic: "a", QoS: QoS1}, toks[i])
	}
	assert.Equal(t, []uint16{1, 2}, publishIDs(t, sender.take()))
	assert.Len(t, h.queue, 1)

	require.NoError(t, h.onPuback(&PubackPacket{PacketID: 1}))
	assert.True(t, isDone(toks[0]))
	assert.Equal(t, []uint16{1}, publishIDs(t, sender.take()))
	assert.Empty(t, h.queue)
}

func TestOutgoingQoS2(t *testing.T) {
	h, sender, ids := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS2}, tok)
	sender.take()

	require.NoError(t, h.onPubrec(&PubrecPacket{PacketID: 1}))
	assert.Equal(t, []Packet{&PubrelPacket{PacketID: 1}}, sender.take())

	// A repeated PUBREC gets the PUBREL again.
	require.NoError(t, h.onPubrec(&PubrecPacket{PacketID: 1}))
	assert.Equal(t, []Packet{&PubrelPacket{PacketID: 1}}, sender.take())
	assert.False(t, isDone(tok))

	require.NoError(t, h.onPubcomp(&PubcompPacket{PacketID: 1}))
	require.True(t, isDone(tok))
	assert.NoError(t, tok.Err())
	assert.Zero(t, ids.InUse())
}

func TestOutgoingQoS2PubrecError(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS2}, tok)
	sender.take()

	require.NoError(t, h.onPubrec(&PubrecPacket{PacketID: 1, ReasonCode: ReasonQuotaExceeded}))
	assert.Empty(t, sender.sent)
	assert.ErrorIs(t, tok.Err(), ErrPublishFailed)
}

func TestOutgoingUnexpectedAcks(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())
	h.submit(&Message{Topic: "a", QoS: QoS1}, newPublishToken())
	h.submit(&Message{Topic: "b", QoS: QoS2}, newPublishToken())

	assert.ErrorIs(t, h.onPuback(&PubackPacket{PacketID: 9}), ErrProtocolViolation)
	assert.ErrorIs(t, h.onPubrec(&PubrecPacket{PacketID: 1}), ErrProtocolViolation)
	assert.ErrorIs(t, h.onPuback(&PubackPacket{PacketID: 2}), ErrProtocolViolation)
	assert.ErrorIs(t, h.onPubcomp(&PubcompPacket{PacketID: 2}), ErrProtocolViolation)
}

func TestOutgoingResend(t *testing.T) {
	h, sender, _ := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())

	h.submit(&Message{Topic: "a", QoS: QoS2}, newPublishToken())
	h.submit(&Message{Topic: "b", QoS: QoS1}, newPublishToken())
	require.NoError(t, h.onPubrec(&PubrecPacket{PacketID: 1}))
	sender.take()

	h.onConnectionClosed(errors.New("lost"))
	h.submit(&Message{Topic: "c", QoS: QoS1}, newPublishToken())

	next := &fakeSender{}
	h.onSessionStartOrResume(next, testConfig())

	require.Len(t, next.sent, 3)
	assert.Equal(t, &PubrelPacket{PacketID: 1}, next.sent[0])

	dup := next.sent[1].(*PublishPacket)
	assert.Equal(t, uint16(2), dup.PacketID)
	assert.True(t, dup.DUP)

	fresh := next.sent[2].(*PublishPacket)
	assert.Equal(t, "c", fresh.Topic)
	assert.False(t, fresh.DUP)
}

func TestOutgoingCapabilities(t *testing.T) {
	t.Run("maximum qos downgrade", func(t *testing.T) {
		h, sender, _ := newOutgoingHarness(false)
		cfg := testConfig()
		cfg.MaximumQoS = QoS0
		h.onSessionStartOrResume(sender, cfg)

		tok := newPublishToken()
		h.submit(&Message{Topic: "a", QoS: QoS2}, tok)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, QoS0, sender.sent[0].(*PublishPacket).QoS)
		assert.NoError(t, tok.Err())
	})

	t.Run("retain not available", func(t *testing.T) {
		h, sender, _ := newOutgoingHarness(false)
		cfg := testConfig()
		cfg.RetainAvailable = false
		h.onSessionStartOrResume(sender, cfg)

		tok := newPublishToken()
		h.submit(&Message{Topic: "a", Retain: true, QoS: QoS1}, tok)

		assert.Empty(t, sender.sent)
		assert.ErrorIs(t, tok.Err(), ErrRetainNotSupported)
	})
}

func TestOutgoingSendFailure(t *testing.T) {
	h, sender, ids := newOutgoingHarness(false)
	h.onSessionStartOrResume(sender, testConfig())
	sender.err = ErrPacketTooLarge

	tok := newPublishToken()
	h.submit(&Message{Topic: "a", QoS: QoS1}, tok)

	assert.ErrorIs(t, tok.Err(), ErrPacketTooLarge)
	assert.Zero(t, ids.InUse())
	assert.Zero(t, h.quota.InFlight())
}

func TestOutgoingSessionEnd(t *testing.T) {
	t.Run("fails in-flight and keeps queued", func(t *testing.T) {
		h, sender, ids := newOutgoingHarness(false)
		cfg := testConfig()
		cfg.PeerReceiveMaximum = 1
		h.onSessionStartOrResume(sender, cfg)

		inflight, queued := newPublishToken(), newPublishToken()
		h.submit(&Message{Topic: "a", QoS: QoS1}, inflight)
		h.submit(&Message{Topic: "b", QoS: QoS1}, queued)

		cause := errors.New("expired")
		h.onConnectionClosed(cause)
		h.onSessionEnd(cause)

		assert.ErrorIs(t, inflight.Err(), ErrSessionExpired)
		assert.ErrorIs(t, inflight.Err(), cause)
		assert.False(t, isDone(queued))
		assert.Zero(t, ids.InUse())

		h.failQueued(ErrClientClosed)
		assert.ErrorIs(t, queued.Err(), ErrClientClosed)
	})

	t.Run("republish requeues at the head", func(t *testing.T) {
		h, sender, _ := newOutgoingHarness(true)
		cfg := testConfig()
		cfg.PeerReceiveMaximum = 1
		h.onSessionStartOrResume(sender, cfg)

		first, second := newPublishToken(), newPublishToken()
		h.submit(&Message{Topic: "a", QoS: QoS1}, first)
		h.submit(&Message{Topic: "b", QoS: QoS1}, second)
		sender.take()

		h.onConnectionClosed(nil)
		h.onSessionEnd(nil)
		assert.False(t, isDone(first))

		next := &fakeSender{}
		h.onSessionStartOrResume(next, cfg)
		require.Len(t, next.sent, 1)
		pkt := next.sent[0].(*PublishPacket)
		assert.Equal(t, "a", pkt.Topic)
		assert.False(t, pkt.DUP)

		require.NoError(t, h.onPuback(&PubackPacket{PacketID: pkt.PacketID}))
		assert.NoError(t, first.Err())
		assert.Equal(t, "b", next.sent[1].(*PublishPacket).Topic)
	})
}

func TestOutgoingAndSubscriptionShareFreedIDs(t *testing.T) {
	ids := newPacketIDManager(1)
	out := newOutgoingQoSHandler(ids, newClientMetrics(nil), NewNoOpLogger(), false)
	chain := &interceptorChain{logger: NewNoOpLogger()}
	subs := newSubscriptionHandler(ids, chain, func(fn func()) bool { fn(); return true }, NewNoOpLogger(), false)
	out.idsReleased = subs.flush
	subs.idsReleased = out.drain

	sender := &fakeSender{}
	out.onSessionStartOrResume(sender, testConfig())
	subs.onSessionStartOrResume(sender, testConfig())

	t.Run("PUBACK frees the id for a waiting SUBSCRIBE", func(t *testing.T) {
		pubTok := newPublishToken()
		out.submit(&Message{Topic: "a", QoS: QoS1}, pubTok)
		subTok := newSubscribeToken()
		subs.subscribe(&SubscribePacket{Subscriptions: []Subscription{{TopicFilter: "b"}}}, nil, subTok)
		require.Equal(t, []uint16{1}, publishIDs(t, sender.take()))

		require.NoError(t, out.onPuback(&PubackPacket{PacketID: 1}))
		sent := sender.take()
		require.Len(t, sent, 1)
		assert.Equal(t, uint16(1), sent[0].(*SubscribePacket).PacketID)
		assert.False(t, isDone(subTok))

		require.NoError(t, subs.onSuback(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonGrantedQoS0}}))
		assert.True(t, isDone(subTok))
		assert.Zero(t, ids.InUse())
	})

	t.Run("SUBACK frees the id for a waiting PUBLISH", func(t *testing.T) {
		subTok := newSubscribeToken()
		subs.subscribe(&SubscribePacket{Subscriptions: []Subscription{{TopicFilter: "c"}}}, nil, subTok)
		pubTok := newPublishToken()
		out.submit(&Message{Topic: "d", QoS: QoS1}, pubTok)

		sent := sender.take()
		require.Len(t, sent, 1)
		require.IsType(t, &SubscribePacket{}, sent[0])

		require.NoError(t, subs.onSuback(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonGrantedQoS0}}))
		assert.Equal(t, []uint16{1}, publishIDs(t, sender.take()))

		require.NoError(t, out.onPuback(&PubackPacket{PacketID: 1}))
		require.NoError(t, pubTok.Err())
	})
}
