package mqttc

import (
	"bytes"
	"io"
)

// encodeReasonProps encodes the optional "reason code, properties" body used
// by DISCONNECT and AUTH. Success with no properties is encoded as an empty body.
func encodeReasonProps(rc ReasonCode, props *Properties) ([]byte, error) {
	if rc == ReasonSuccess && props.Len() == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(rc))
	if props.Len() > 0 {
		if _, err := props.Encode(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeReasonProps(r io.Reader, header FixedHeader, pt PacketType, props *Properties) (ReasonCode, int, error) {
	if header.RemainingLength == 0 {
		return ReasonSuccess, 0, nil
	}

	b, n, err := readByte(r)
	if err != nil {
		return 0, n, err
	}
	rc := ReasonCode(b)
	if !rc.ValidFor(pt, ProtocolV5) {
		return rc, n, ErrInvalidReasonCode
	}

	if header.RemainingLength > 1 {
		n2, err := props.Decode(r)
		n += n2
		if err != nil {
			return rc, n, err
		}
	}
	return rc, n, nil
}

// DisconnectPacket is a DISCONNECT control packet. Under 3.1.1 it has no body.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketDISCONNECT.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Encode writes the packet to w.
func (p *DisconnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if version != ProtocolV5 {
		return writeFrame(w, PacketDISCONNECT, 0x00, nil)
	}

	body, err := encodeReasonProps(p.ReasonCode, &p.Props)
	if err != nil {
		return 0, err
	}
	return writeFrame(w, PacketDISCONNECT, 0x00, body)
}

// Decode reads the packet from r.
func (p *DisconnectPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if version != ProtocolV5 {
		return decodeEmpty(header, PacketDISCONNECT)
	}
	if header.PacketType != PacketDISCONNECT {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	rc, n, err := decodeReasonProps(r, header, PacketDISCONNECT, &p.Props)
	p.ReasonCode = rc
	return n, err
}

// Validate checks the reason code.
func (p *DisconnectPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketDISCONNECT, ProtocolV5) {
		return ErrInvalidReasonCode
	}
	return nil
}
