package mqttc

import "io"

func decodeEmpty(header FixedHeader, pt PacketType) (int, error) {
	if header.PacketType != pt {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}
	if header.RemainingLength != 0 {
		return 0, ErrUnexpectedPayload
	}
	return 0, nil
}

// PingreqPacket is a PINGREQ control packet.
type PingreqPacket struct{}

// Type returns PacketPINGREQ.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Encode writes the packet to w.
func (p *PingreqPacket) Encode(w io.Writer, _ ProtocolVersion) (int, error) {
	return writeFrame(w, PacketPINGREQ, 0x00, nil)
}

// Decode checks the fixed header; PINGREQ has no body.
func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	return decodeEmpty(header, PacketPINGREQ)
}

// Validate always succeeds.
func (p *PingreqPacket) Validate() error { return nil }

// PingrespPacket is a PINGRESP control packet.
type PingrespPacket struct{}

// Type returns PacketPINGRESP.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// Encode writes the packet to w.
func (p *PingrespPacket) Encode(w io.Writer, _ ProtocolVersion) (int, error) {
	return writeFrame(w, PacketPINGRESP, 0x00, nil)
}

// Decode checks the fixed header; PINGRESP has no body.
func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	return decodeEmpty(header, PacketPINGRESP)
}

// Validate always succeeds.
func (p *PingrespPacket) Validate() error { return nil }
