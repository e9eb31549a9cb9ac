package mqttc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incomingHarness struct {
	h         *incomingQoSHandler
	sender    *fakeSender
	delivered []*Message
}

func newIncomingHarness(cfg ConnectionConfig) *incomingHarness {
	ih := &incomingHarness{sender: &fakeSender{}}
	ih.h = newIncomingQoSHandler(func(m *Message) { ih.delivered = append(ih.delivered, m) }, newClientMetrics(nil), NewNoOpLogger())
	ih.h.onSessionStartOrResume(ih.sender, cfg)
	return ih
}

func TestIncomingQoS0And1(t *testing.T) {
	ih := newIncomingHarness(testConfig())

	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", Payload: []byte("0")}))
	assert.Empty(t, ih.sender.sent)

	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", Payload: []byte("1"), QoS: QoS1, PacketID: 7}))
	assert.Equal(t, []Packet{&PubackPacket{PacketID: 7}}, ih.sender.take())

	require.Len(t, ih.delivered, 2)
	assert.Equal(t, QoS1, ih.delivered[1].QoS)
}

func TestIncomingQoS2ExactlyOnce(t *testing.T) {
	ih := newIncomingHarness(testConfig())
	pub := &PublishPacket{Topic: "a", QoS: QoS2, PacketID: 3}

	require.NoError(t, ih.h.onPublish(pub))
	assert.Equal(t, []Packet{&PubrecPacket{PacketID: 3}}, ih.sender.take())
	assert.Equal(t, 1, ih.h.awaiting())

	dup := *pub
	dup.DUP = true
	require.NoError(t, ih.h.onPublish(&dup))
	assert.Equal(t, []Packet{&PubrecPacket{PacketID: 3}}, ih.sender.take())
	assert.Len(t, ih.delivered, 1)

	require.NoError(t, ih.h.onPubrel(&PubrelPacket{PacketID: 3}))
	assert.Equal(t, []Packet{&PubcompPacket{PacketID: 3}}, ih.sender.take())
	assert.Zero(t, ih.h.awaiting())

	// A repeated PUBREL is answered again.
	require.NoError(t, ih.h.onPubrel(&PubrelPacket{PacketID: 3}))
	assert.Equal(t, []Packet{&PubcompPacket{PacketID: 3}}, ih.sender.take())

	// The id is free again for a new message.
	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "b", QoS: QoS2, PacketID: 3}))
	assert.Len(t, ih.delivered, 2)
}

func TestIncomingUnknownPubrel(t *testing.T) {
	ih := newIncomingHarness(testConfig())

	err := ih.h.onPubrel(&PubrelPacket{PacketID: 5})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, ih.sender.sent)
}

func TestIncomingReceiveMaximum(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiveMaximum = 1
	ih := newIncomingHarness(cfg)

	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS2, PacketID: 1}))
	err := ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS2, PacketID: 2})
	assert.Equal(t, ReasonReceiveMaxExceeded, ReasonFor(err))

	// QoS 1 is not counted.
	assert.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS1, PacketID: 3}))
}

func TestIncomingResumeKeepsState(t *testing.T) {
	ih := newIncomingHarness(testConfig())
	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS2, PacketID: 4}))

	ih.h.onConnectionClosed(nil)
	next := &fakeSender{}
	ih.h.onSessionStartOrResume(next, testConfig())

	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS2, PacketID: 4, DUP: true}))
	assert.Len(t, ih.delivered, 1)
	require.NoError(t, ih.h.onPubrel(&PubrelPacket{PacketID: 4}))
	assert.Equal(t, []Packet{&PubrecPacket{PacketID: 4}, &PubcompPacket{PacketID: 4}}, next.sent)
}

func TestIncomingSessionEnd(t *testing.T) {
	ih := newIncomingHarness(testConfig())
	require.NoError(t, ih.h.onPublish(&PublishPacket{Topic: "a", QoS: QoS2, PacketID: 4}))
	ih.sender.take()

	ih.h.onConnectionClosed(nil)
	ih.h.onSessionEnd(nil)
	ih.h.onSessionStartOrResume(ih.sender, testConfig())

	require.NoError(t, ih.h.onPubrel(&PubrelPacket{PacketID: 4}))
	assert.Empty(t, ih.sender.sent)

	assert.ErrorIs(t, ih.h.onPubrel(&PubrelPacket{PacketID: 5}), ErrProtocolViolation)
}

func TestIncomingTopicAlias(t *testing.T) {
	cfg := testConfig()
	cfg.TopicAliasMaximum = 2
	ih := newIncomingHarness(cfg)

	first := &PublishPacket{Topic: "sensors/1"}
	first.Props.Set(PropTopicAlias, uint16(1))
	require.NoError(t, ih.h.onPublish(first))

	second := &PublishPacket{}
	second.Props.Set(PropTopicAlias, uint16(1))
	require.NoError(t, ih.h.onPublish(second))

	require.Len(t, ih.delivered, 2)
	assert.Equal(t, "sensors/1", ih.delivered[1].Topic)

	tooBig := &PublishPacket{Topic: "x"}
	tooBig.Props.Set(PropTopicAlias, uint16(3))
	assert.Equal(t, ReasonTopicAliasInvalid, ReasonFor(ih.h.onPublish(tooBig)))

	unknown := &PublishPacket{}
	unknown.Props.Set(PropTopicAlias, uint16(2))
	assert.Equal(t, ReasonTopicAliasInvalid, ReasonFor(ih.h.onPublish(unknown)))

	// Aliases do not survive the connection.
	ih.h.onConnectionClosed(nil)
	ih.h.onSessionStartOrResume(ih.sender, cfg)
	again := &PublishPacket{}
	again.Props.Set(PropTopicAlias, uint16(1))
	assert.ErrorIs(t, ih.h.onPublish(again), ErrProtocolViolation)
}
