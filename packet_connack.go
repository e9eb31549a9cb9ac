package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidConnackFlags is returned for reserved CONNACK flag bits or for
// session-present set on a refused connection.
var ErrInvalidConnackFlags = errors.New("invalid CONNACK flags")

// ConnackPacket is a CONNACK control packet. Under 3.1.1 the return code is
// mapped onto ReasonCode.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

// Type returns PacketCONNACK.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// Encode writes the packet to w.
func (p *ConnackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if p.SessionPresent {
		buf.WriteByte(0x01)
	} else {
		buf.WriteByte(0x00)
	}

	if version == ProtocolV5 {
		buf.WriteByte(byte(p.ReasonCode))
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
	} else {
		buf.WriteByte(connackV3FromReason(p.ReasonCode))
	}

	return writeFrame(w, PacketCONNACK, 0x00, buf.Bytes())
}

// Decode reads the packet from r.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}
	if version != ProtocolV5 && header.RemainingLength != 2 {
		return 0, ErrUnexpectedPayload
	}

	var fixed [2]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		return n, err
	}

	if fixed[0]&0xFE != 0 {
		return n, ErrInvalidConnackFlags
	}
	p.SessionPresent = fixed[0]&0x01 != 0

	if version == ProtocolV5 {
		p.ReasonCode = ReasonCode(fixed[1])
		if header.RemainingLength > 2 {
			n2, err := p.Props.Decode(r)
			n += n2
			if err != nil {
				return n, err
			}
		}
	} else {
		rc, ok := reasonFromConnackV3(fixed[1])
		if !ok {
			return n, ErrInvalidReasonCode
		}
		p.ReasonCode = rc
	}

	return n, p.Validate()
}

// Validate checks the reason code and flags.
func (p *ConnackPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketCONNACK, ProtocolV5) {
		return ErrInvalidReasonCode
	}
	if p.ReasonCode.IsError() && p.SessionPresent {
		return ErrInvalidConnackFlags
	}
	return nil
}
