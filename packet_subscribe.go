package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// SUBSCRIBE packet errors.
var (
	ErrInvalidSubscriptionOptions = errors.New("invalid subscription options")
	ErrInvalidSubscriptionID      = errors.New("subscription identifier out of range")
)

const maxSubscriptionID = maxVarint

// Subscription is one topic filter request inside SUBSCRIBE.
type Subscription struct {
	TopicFilter string
	QoS         byte

	// v5 subscription options.
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (s Subscription) options(version ProtocolVersion) byte {
	opts := s.QoS & 0x03
	if version != ProtocolV5 {
		return opts
	}
	if s.NoLocal {
		opts |= 0x04
	}
	if s.RetainAsPublished {
		opts |= 0x08
	}
	return opts | (s.RetainHandling&0x03)<<4
}

// SubscribePacket is a SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
	Props         Properties
}

// Type returns PacketSUBSCRIBE.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *SubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	writeUint16(&buf, p.PacketID)
	if err := writeProps(&buf, &p.Props, version); err != nil {
		return 0, err
	}
	for _, sub := range p.Subscriptions {
		if _, err := encodeString(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}
		buf.WriteByte(sub.options(version))
	}

	return writeFrame(w, PacketSUBSCRIBE, 0x02, buf.Bytes())
}

// Decode reads the packet from r.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
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

	p.Subscriptions = nil
	for n < int(header.RemainingLength) {
		filter, n2, err := decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}

		opts, n2, err := readByte(r)
		n += n2
		if err != nil {
			return n, err
		}

		reserved := byte(0xC0)
		if version != ProtocolV5 {
			reserved = 0xFC
		}
		if opts&reserved != 0 {
			return n, ErrInvalidSubscriptionOptions
		}

		p.Subscriptions = append(p.Subscriptions, Subscription{
			TopicFilter:       filter,
			QoS:               opts & 0x03,
			NoLocal:           opts&0x04 != 0,
			RetainAsPublished: opts&0x08 != 0,
			RetainHandling:    (opts >> 4) & 0x03,
		})
	}

	return n, p.Validate()
}

// Validate checks the packet fields.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscription
	}
	if p.Props.Has(PropSubscriptionIdentifier) {
		id := p.Props.GetUint32(PropSubscriptionIdentifier)
		if id == 0 || id > maxSubscriptionID {
			return ErrInvalidSubscriptionID
		}
	}
	for _, sub := range p.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
		if sub.RetainHandling > 2 {
			return ErrInvalidSubscriptionOptions
		}
	}
	return nil
}

// SubackPacket is a SUBACK control packet, one reason code per requested filter.
type SubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Props       Properties
}

// Type returns PacketSUBACK.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *SubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if p.PacketID == 0 {
		return 0, ErrInvalidPacketID
	}

	var buf bytes.Buffer
	writeUint16(&buf, p.PacketID)
	if err := writeProps(&buf, &p.Props, version); err != nil {
		return 0, err
	}
	for _, rc := range p.ReasonCodes {
		if !rc.ValidFor(PacketSUBACK, version) {
			return 0, ErrInvalidReasonCode
		}
		buf.WriteByte(byte(rc))
	}

	return writeFrame(w, PacketSUBACK, 0x00, buf.Bytes())
}

// Decode reads the packet from r.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	id, codes, props, n, err := decodeAckList(r, header, PacketSUBACK, version)
	p.PacketID, p.ReasonCodes, p.Props = id, codes, props
	return n, err
}

// Validate checks the packet fields.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// decodeAckList reads the packet id, optional properties and a reason code
// list shared by SUBACK and v5 UNSUBACK.
func decodeAckList(r io.Reader, header FixedHeader, pt PacketType, version ProtocolVersion) (uint16, []ReasonCode, Properties, int, error) {
	var props Properties

	id, n, err := readUint16(r)
	if err != nil {
		return 0, nil, props, n, err
	}
	if id == 0 {
		return 0, nil, props, n, ErrInvalidPacketID
	}

	if version == ProtocolV5 {
		n2, err := props.Decode(r)
		n += n2
		if err != nil {
			return id, nil, props, n, err
		}
	}

	var codes []ReasonCode
	for n < int(header.RemainingLength) {
		b, n2, err := readByte(r)
		n += n2
		if err != nil {
			return id, codes, props, n, err
		}
		rc := ReasonCode(b)
		if !rc.ValidFor(pt, version) {
			return id, codes, props, n, ErrInvalidReasonCode
		}
		codes = append(codes, rc)
	}

	return id, codes, props, n, nil
}
