package mqttc

import "time"

// SessionExpiryNever is the session expiry interval that never expires.
const SessionExpiryNever uint32 = 0xFFFFFFFF

// ConnectionConfig is what one physical connection negotiated: the client's
// CONNECT refined by the server's CONNACK.
type ConnectionConfig struct {
	Version ProtocolVersion

	KeepAlive             time.Duration
	SessionExpiryInterval uint32

	// ReceiveMaximum is the limit the client advertised; PeerReceiveMaximum
	// the one the server advertised.
	ReceiveMaximum     uint16
	PeerReceiveMaximum uint16

	// MaxIncomingPacketSize is the limit the client advertised (0 is
	// unlimited). MaxOutgoingPacketSize is the smaller of the server's and
	// the local limit.
	MaxIncomingPacketSize uint32
	MaxOutgoingPacketSize uint32

	TopicAliasMaximum     uint16
	PeerTopicAliasMaximum uint16

	MaximumQoS              byte
	RetainAvailable         bool
	WildcardSubAvailable    bool
	SubscriptionIDAvailable bool
	SharedSubAvailable      bool

	// AssignedClientID is set when the server picked the identifier.
	AssignedClientID string
	ResponseInfo     string
	ServerReference  string
}

// negotiateConfig validates connack against connect and derives the
// connection configuration.
func negotiateConfig(connect *ConnectPacket, connack *ConnackPacket, maxIncoming uint32) (ConnectionConfig, error) {
	cfg := ConnectionConfig{
		Version:                 connect.Version,
		KeepAlive:               time.Duration(connect.KeepAlive) * time.Second,
		ReceiveMaximum:          defaultReceiveMaximum,
		PeerReceiveMaximum:      defaultReceiveMaximum,
		MaxIncomingPacketSize:   maxIncoming,
		MaxOutgoingPacketSize:   maxIncoming,
		MaximumQoS:              QoS2,
		RetainAvailable:         true,
		WildcardSubAvailable:    true,
		SubscriptionIDAvailable: true,
		SharedSubAvailable:      true,
	}

	if connect.CleanStart && connack.SessionPresent {
		return cfg, newProtocolViolation(ReasonProtocolError, "session present on clean start")
	}

	if cfg.Version != ProtocolV5 {
		cfg.SessionExpiryInterval = SessionExpiryNever
		if connect.CleanStart {
			cfg.SessionExpiryInterval = 0
		}
		return cfg, nil
	}

	cp := &connect.Props
	cfg.SessionExpiryInterval = cp.GetUint32(PropSessionExpiryInterval)
	if cp.Has(PropReceiveMaximum) {
		cfg.ReceiveMaximum = cp.GetUint16(PropReceiveMaximum)
	}
	cfg.TopicAliasMaximum = cp.GetUint16(PropTopicAliasMaximum)

	p := &connack.Props
	if p.Has(PropSessionExpiryInterval) {
		cfg.SessionExpiryInterval = p.GetUint32(PropSessionExpiryInterval)
	}
	if p.Has(PropServerKeepAlive) {
		cfg.KeepAlive = time.Duration(p.GetUint16(PropServerKeepAlive)) * time.Second
	}
	if p.Has(PropReceiveMaximum) {
		cfg.PeerReceiveMaximum = p.GetUint16(PropReceiveMaximum)
		if cfg.PeerReceiveMaximum == 0 {
			return cfg, newProtocolViolation(ReasonProtocolError, "receive maximum of 0")
		}
	}
	if p.Has(PropMaximumPacketSize) {
		size := p.GetUint32(PropMaximumPacketSize)
		if size == 0 {
			return cfg, newProtocolViolation(ReasonProtocolError, "maximum packet size of 0")
		}
		if cfg.MaxOutgoingPacketSize == 0 || size < cfg.MaxOutgoingPacketSize {
			cfg.MaxOutgoingPacketSize = size
		}
	}
	if p.Has(PropMaximumQoS) {
		cfg.MaximumQoS = p.GetByte(PropMaximumQoS)
		if cfg.MaximumQoS > QoS1 {
			return cfg, newProtocolViolation(ReasonProtocolError, "maximum QoS of %d", cfg.MaximumQoS)
		}
	}

	flags := []struct {
		id  PropertyID
		dst *bool
	}{
		{PropRetainAvailable, &cfg.RetainAvailable},
		{PropWildcardSubAvailable, &cfg.WildcardSubAvailable},
		{PropSubscriptionIDAvailable, &cfg.SubscriptionIDAvailable},
		{PropSharedSubAvailable, &cfg.SharedSubAvailable},
	}
	for _, f := range flags {
		if !p.Has(f.id) {
			continue
		}
		v := p.GetByte(f.id)
		if v > 1 {
			return cfg, newProtocolViolation(ReasonProtocolError, "property 0x%02X has value %d", byte(f.id), v)
		}
		*f.dst = v == 1
	}

	cfg.PeerTopicAliasMaximum = p.GetUint16(PropTopicAliasMaximum)
	cfg.AssignedClientID = p.GetString(PropAssignedClientIdentifier)
	cfg.ResponseInfo = p.GetString(PropResponseInformation)
	cfg.ServerReference = p.GetString(PropServerReference)

	return cfg, nil
}
