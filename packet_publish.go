package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// PUBLISH packet errors.
var (
	ErrTopicNameEmpty   = errors.New("topic name cannot be empty")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")
	ErrDupWithQoS0      = errors.New("DUP flag must be 0 for QoS 0")
)

// PublishPacket is a PUBLISH control packet.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16 // only for QoS > 0
	Props    Properties
}

// Type returns PacketPUBLISH.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// GetPacketID returns the packet identifier.
func (p *PublishPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *PublishPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if p.Topic == "" && (version != ProtocolV5 || !p.Props.Has(PropTopicAlias)) {
		return 0, ErrTopicNameEmpty
	}

	var buf bytes.Buffer
	if _, err := encodeString(&buf, p.Topic); err != nil {
		return 0, err
	}
	if p.QoS > 0 {
		writeUint16(&buf, p.PacketID)
	}
	if err := writeProps(&buf, &p.Props, version); err != nil {
		return 0, err
	}
	buf.Write(p.Payload)

	return writeFrame(w, PacketPUBLISH, publishFlags(p.DUP, p.QoS, p.Retain), buf.Bytes())
}

// Decode reads the packet from r.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	p.QoS = header.QoS()
	p.DUP = header.DUP()
	p.Retain = header.Retain()

	topic, n, err := decodeString(r)
	if err != nil {
		return n, err
	}
	p.Topic = topic

	if p.QoS > 0 {
		id, n2, err := readUint16(r)
		n += n2
		if err != nil {
			return n, err
		}
		if id == 0 {
			return n, ErrInvalidPacketID
		}
		p.PacketID = id
	}

	if version == ProtocolV5 {
		n2, err := p.Props.Decode(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	if p.Topic == "" && !p.Props.Has(PropTopicAlias) {
		return n, ErrTopicNameEmpty
	}
	if p.Topic != "" {
		if err := ValidateTopicName(p.Topic); err != nil {
			return n, err
		}
	}

	payloadLen := int(header.RemainingLength) - n
	if payloadLen < 0 {
		return n, io.ErrUnexpectedEOF
	}
	p.Payload = make([]byte, payloadLen)
	n2, err := io.ReadFull(r, p.Payload)
	return n + n2, err
}

// Validate checks the packet fields.
func (p *PublishPacket) Validate() error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if p.QoS == 0 && p.DUP {
		return ErrDupWithQoS0
	}
	if p.Topic != "" {
		return ValidateTopicName(p.Topic)
	}
	return nil
}
