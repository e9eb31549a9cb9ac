package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// ProtocolVersion is the protocol level carried in CONNECT.
type ProtocolVersion byte

// Supported protocol versions.
const (
	ProtocolV311 ProtocolVersion = 4
	ProtocolV5   ProtocolVersion = 5
)

// QoS levels.
const (
	QoS0 byte = 0 // at most once
	QoS1 byte = 1 // at least once
	QoS2 byte = 2 // exactly once
)

// String returns the marketing name of the version.
func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolV311:
		return "3.1.1"
	case ProtocolV5:
		return "5.0"
	default:
		return "unknown"
	}
}

// Valid reports whether v is a supported protocol version.
func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV311 || v == ProtocolV5
}

// Packet is implemented by every MQTT control packet.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included.
	Encode(w io.Writer, version ProtocolVersion) (int, error)

	// Decode reads the variable header and payload. The fixed header has
	// already been consumed and is passed in.
	Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error)

	// Validate checks field values before encoding.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
type PacketWithID interface {
	Packet
	GetPacketID() uint16
}

// Packet errors.
var (
	ErrInvalidPacketID   = errors.New("packet identifier must not be zero")
	ErrInvalidQoS        = errors.New("invalid QoS level")
	ErrEmptySubscription = errors.New("at least one topic filter is required")
	ErrUnexpectedPayload = errors.New("packet has unexpected trailing bytes")
)

// newPacket returns an empty packet for the given type.
func newPacket(pt PacketType) (Packet, error) {
	switch pt {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketAUTH:
		return &AuthPacket{}, nil
	default:
		return nil, ErrInvalidPacketType
	}
}

// writeFrame writes the fixed header for body and then body itself.
func writeFrame(w io.Writer, pt PacketType, flags byte, body []byte) (int, error) {
	header := FixedHeader{
		PacketType:      pt,
		Flags:           flags,
		RemainingLength: uint32(len(body)),
	}
	if len(body) > maxVarint {
		return 0, ErrRemainingLengthTooLarge
	}

	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}

	n2, err := w.Write(body)
	return n + n2, err
}

// writeProps writes props when the version carries properties.
func writeProps(buf *bytes.Buffer, props *Properties, version ProtocolVersion) error {
	if version != ProtocolV5 {
		return nil
	}
	_, err := props.Encode(buf)
	return err
}

// Message is an application message, either submitted for publishing or
// delivered from a subscription.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// Duplicate is set on delivered messages the server marked as redelivered.
	Duplicate bool

	// v5 metadata, ignored under 3.1.1.
	PayloadFormat   byte
	MessageExpiry   uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair

	// SubscriptionIdentifiers is only set on delivered messages.
	SubscriptionIdentifiers []uint32
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	clone.Payload = bytes.Clone(m.Payload)
	clone.CorrelationData = bytes.Clone(m.CorrelationData)
	if m.UserProperties != nil {
		clone.UserProperties = append([]StringPair(nil), m.UserProperties...)
	}
	if m.SubscriptionIdentifiers != nil {
		clone.SubscriptionIdentifiers = append([]uint32(nil), m.SubscriptionIdentifiers...)
	}
	return &clone
}

// ToProperties converts the v5 metadata of m into PUBLISH properties.
func (m *Message) ToProperties() Properties {
	var p Properties

	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}

	return p
}

// FromProperties fills the v5 metadata of m from PUBLISH properties.
func (m *Message) FromProperties(p *Properties) {
	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.GetAllStringPairs(PropUserProperty)
	m.SubscriptionIdentifiers = p.GetAllVarInts(PropSubscriptionIdentifier)
}

// toPublish builds the PUBLISH packet for m. The packet id is assigned later.
func (m *Message) toPublish() *PublishPacket {
	return &PublishPacket{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     m.QoS,
		Retain:  m.Retain,
		Props:   m.ToProperties(),
	}
}

func messageFromPublish(p *PublishPacket) *Message {
	msg := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
	}
	msg.FromProperties(&p.Props)
	return msg
}
