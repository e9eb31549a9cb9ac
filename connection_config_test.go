package mqttc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateConfigV311(t *testing.T) {
	connect := &ConnectPacket{Version: ProtocolV311, KeepAlive: 30, CleanStart: true}

	cfg, err := negotiateConfig(connect, &ConnackPacket{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)
	assert.Zero(t, cfg.SessionExpiryInterval)
	assert.Equal(t, uint16(defaultReceiveMaximum), cfg.PeerReceiveMaximum)
	assert.Equal(t, QoS2, cfg.MaximumQoS)
	assert.True(t, cfg.RetainAvailable)

	connect.CleanStart = false
	cfg, err = negotiateConfig(connect, &ConnackPacket{SessionPresent: true}, 0)
	require.NoError(t, err)
	assert.Equal(t, SessionExpiryNever, cfg.SessionExpiryInterval)
}

func TestNegotiateConfigV5(t *testing.T) {
	connect := &ConnectPacket{Version: ProtocolV5, KeepAlive: 60}
	connect.Props.Set(PropSessionExpiryInterval, uint32(120))
	connect.Props.Set(PropReceiveMaximum, uint16(10))
	connect.Props.Set(PropTopicAliasMaximum, uint16(5))

	connack := &ConnackPacket{SessionPresent: true}
	connack.Props.Set(PropSessionExpiryInterval, uint32(30))
	connack.Props.Set(PropServerKeepAlive, uint16(15))
	connack.Props.Set(PropReceiveMaximum, uint16(4))
	connack.Props.Set(PropMaximumPacketSize, uint32(1024))
	connack.Props.Set(PropMaximumQoS, byte(1))
	connack.Props.Set(PropRetainAvailable, byte(0))
	connack.Props.Set(PropSharedSubAvailable, byte(0))
	connack.Props.Set(PropTopicAliasMaximum, uint16(7))
	connack.Props.Set(PropAssignedClientIdentifier, "auto-1")
	connack.Props.Set(PropServerReference, "tcp://other:1883")

	cfg, err := negotiateConfig(connect, connack, 4096)
	require.NoError(t, err)

	assert.Equal(t, ProtocolV5, cfg.Version)
	assert.Equal(t, uint32(30), cfg.SessionExpiryInterval)
	assert.Equal(t, 15*time.Second, cfg.KeepAlive)
	assert.Equal(t, uint16(10), cfg.ReceiveMaximum)
	assert.Equal(t, uint16(4), cfg.PeerReceiveMaximum)
	assert.Equal(t, uint32(4096), cfg.MaxIncomingPacketSize)
	assert.Equal(t, uint32(1024), cfg.MaxOutgoingPacketSize)
	assert.Equal(t, QoS1, cfg.MaximumQoS)
	assert.False(t, cfg.RetainAvailable)
	assert.True(t, cfg.WildcardSubAvailable)
	assert.False(t, cfg.SharedSubAvailable)
	assert.Equal(t, uint16(5), cfg.TopicAliasMaximum)
	assert.Equal(t, uint16(7), cfg.PeerTopicAliasMaximum)
	assert.Equal(t, "auto-1", cfg.AssignedClientID)
	assert.Equal(t, "tcp://other:1883", cfg.ServerReference)
}

func TestNegotiateConfigServerPacketLimit(t *testing.T) {
	connack := &ConnackPacket{}
	connack.Props.Set(PropMaximumPacketSize, uint32(2048))

	cfg, err := negotiateConfig(&ConnectPacket{Version: ProtocolV5, CleanStart: true}, connack, 0)
	require.NoError(t, err)
	assert.Zero(t, cfg.MaxIncomingPacketSize)
	assert.Equal(t, uint32(2048), cfg.MaxOutgoingPacketSize)
}

func TestNegotiateConfigViolations(t *testing.T) {
	tests := []struct {
		name  string
		build func(*ConnackPacket)
	}{
		{"session present on clean start", func(c *ConnackPacket) { c.SessionPresent = true }},
		{"receive maximum zero", func(c *ConnackPacket) { c.Props.Set(PropReceiveMaximum, uint16(0)) }},
		{"packet size zero", func(c *ConnackPacket) { c.Props.Set(PropMaximumPacketSize, uint32(0)) }},
		{"maximum qos 2", func(c *ConnackPacket) { c.Props.Set(PropMaximumQoS, byte(2)) }},
		{"retain available 2", func(c *ConnackPacket) { c.Props.Set(PropRetainAvailable, byte(2)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connack := &ConnackPacket{}
			tt.build(connack)

			_, err := negotiateConfig(&ConnectPacket{Version: ProtocolV5, CleanStart: true}, connack, 0)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, ReasonProtocolError, ReasonFor(err))
		})
	}
}
