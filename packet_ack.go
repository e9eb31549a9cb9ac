package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidReasonCode is returned for a reason code the packet type does not allow.
var ErrInvalidReasonCode = errors.New("invalid reason code for packet type")

// ackFields is the shared body of PUBACK, PUBREC, PUBREL and PUBCOMP.
type ackFields struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

func (a *ackFields) encode(w io.Writer, pt PacketType, flags byte, version ProtocolVersion) (int, error) {
	if a.PacketID == 0 {
		return 0, ErrInvalidPacketID
	}
	if !a.ReasonCode.ValidFor(pt, ProtocolV5) {
		return 0, ErrInvalidReasonCode
	}

	var buf bytes.Buffer
	writeUint16(&buf, a.PacketID)

	// The reason code and properties are omitted for plain success.
	if version == ProtocolV5 && (a.ReasonCode != ReasonSuccess || a.Props.Len() > 0) {
		buf.WriteByte(byte(a.ReasonCode))
		if a.Props.Len() > 0 {
			if _, err := a.Props.Encode(&buf); err != nil {
				return 0, err
			}
		}
	}

	return writeFrame(w, pt, flags, buf.Bytes())
}

func (a *ackFields) decode(r io.Reader, header FixedHeader, pt PacketType, version ProtocolVersion) (int, error) {
	if header.PacketType != pt {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}
	if version != ProtocolV5 && header.RemainingLength != 2 {
		return 0, ErrUnexpectedPayload
	}

	id, n, err := readUint16(r)
	if err != nil {
		return n, err
	}
	if id == 0 {
		return n, ErrInvalidPacketID
	}
	a.PacketID = id
	a.ReasonCode = ReasonSuccess

	if header.RemainingLength > 2 {
		rc, n2, err := readByte(r)
		n += n2
		if err != nil {
			return n, err
		}
		a.ReasonCode = ReasonCode(rc)
		if !a.ReasonCode.ValidFor(pt, version) {
			return n, ErrInvalidReasonCode
		}
	}

	if header.RemainingLength > 3 {
		n2, err := a.Props.Decode(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket ackFields

// Type returns PacketPUBACK.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// GetPacketID returns the packet identifier.
func (p *PubackPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *PubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).encode(w, PacketPUBACK, 0x00, version)
}

// Decode reads the packet from r.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).decode(r, header, PacketPUBACK, version)
}

// Validate checks the reason code.
func (p *PubackPacket) Validate() error { return validateAck(p.PacketID, p.ReasonCode, PacketPUBACK) }

// PubrecPacket is the first acknowledgment of a QoS 2 PUBLISH.
type PubrecPacket ackFields

// Type returns PacketPUBREC.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// GetPacketID returns the packet identifier.
func (p *PubrecPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *PubrecPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).encode(w, PacketPUBREC, 0x00, version)
}

// Decode reads the packet from r.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).decode(r, header, PacketPUBREC, version)
}

// Validate checks the reason code.
func (p *PubrecPacket) Validate() error { return validateAck(p.PacketID, p.ReasonCode, PacketPUBREC) }

// PubrelPacket releases a QoS 2 PUBLISH after PUBREC.
type PubrelPacket ackFields

// Type returns PacketPUBREL.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// GetPacketID returns the packet identifier.
func (p *PubrelPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w. PUBREL carries the fixed flags 0010.
func (p *PubrelPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).encode(w, PacketPUBREL, 0x02, version)
}

// Decode reads the packet from r.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).decode(r, header, PacketPUBREL, version)
}

// Validate checks the reason code.
func (p *PubrelPacket) Validate() error { return validateAck(p.PacketID, p.ReasonCode, PacketPUBREL) }

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket ackFields

// Type returns PacketPUBCOMP.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// GetPacketID returns the packet identifier.
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }

// Encode writes the packet to w.
func (p *PubcompPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).encode(w, PacketPUBCOMP, 0x00, version)
}

// Decode reads the packet from r.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	return (*ackFields)(p).decode(r, header, PacketPUBCOMP, version)
}

// Validate checks the reason code.
func (p *PubcompPacket) Validate() error { return validateAck(p.PacketID, p.ReasonCode, PacketPUBCOMP) }

func validateAck(id uint16, rc ReasonCode, pt PacketType) error {
	if id == 0 {
		return ErrInvalidPacketID
	}
	if !rc.ValidFor(pt, ProtocolV5) {
		return ErrInvalidReasonCode
	}
	return nil
}
