package mqttc

import (
	"bytes"
	"io"
)

// UnsubscribePacket is an UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
	Props        Properties
}

// Type returns PacketUNSUBSCRIBE.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *UnsubscribePacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *UnsubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	writeUint16(&buf, p.PacketID)
	if err := writeProps(&buf, &p.Props, version); err != nil {
		return 0, err
	}
	for _, filter := range p.TopicFilters {
		if _, err := encodeString(&buf, filter); err != nil {
			return 0, err
		}
	}

	return writeFrame(w, PacketUNSUBSCRIBE, 0x02, buf.Bytes())
}

// Decode reads the packet from r.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	id, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	if version == ProtocolV5 {
		n2, err := p.Props.Decode(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	p.TopicFilters = nil
	for n < int(header.RemainingLength) {
		filter, n2, err := decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}
		p.TopicFilters = append(p.TopicFilters, filter)
	}

	return n, p.Validate()
}

// Validate checks the packet fields.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrEmptySubscription
	}
	for _, filter := range p.TopicFilters {
		if err := ValidateTopicFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

// UnsubackPacket is an UNSUBACK control packet. Under 3.1.1 it carries no
// reason codes.
type UnsubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Props       Properties
}

// Type returns PacketUNSUBACK.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// GetPacketID returns the packet identifier.
func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *UnsubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	writeUint16(&buf, p.PacketID)
	if version == ProtocolV5 {
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
		for _, rc := range p.ReasonCodes {
			if !rc.ValidFor(PacketUNSUBACK, version) {
				return 0, ErrInvalidReasonCode
			}
			buf.WriteByte(byte(rc))
		}
	}

	return writeFrame(w, PacketUNSUBACK, 0x00, buf.Bytes())
}

// Decode reads the packet from r.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBACK {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}
	if version != ProtocolV5 && header.RemainingLength != 2 {
		return 0, ErrUnexpectedPayload
	}

	id, codes, props, n, err := decodeAckList(r, header, PacketUNSUBACK, version)
	p.PacketID, p.ReasonCodes, p.Props = id, codes, props
	return n, err
}

// Validate checks the packet fields.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
