package mqttc

import (
	"errors"
	"io"
)

// ErrAuthRequiresV5 is returned when an AUTH packet is used under 3.1.1.
var ErrAuthRequiresV5 = errors.New("AUTH packet requires MQTT 5.0")

// AuthPacket is a v5 AUTH control packet used for enhanced authentication.
type AuthPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketAUTH.
func (p *AuthPacket) Type() PacketType { return PacketAUTH }

// Method returns the Authentication Method property.
func (p *AuthPacket) Method() string { return p.Props.GetString(PropAuthenticationMethod) }

// Data returns the Authentication Data property.
func (p *AuthPacket) Data() []byte { return p.Props.GetBinary(PropAuthenticationData) }

// Encode writes the packet to w.
func (p *AuthPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if version != ProtocolV5 {
		return 0, ErrAuthRequiresV5
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body, err := encodeReasonProps(p.ReasonCode, &p.Props)
	if err != nil {
		return 0, err
	}
	return writeFrame(w, PacketAUTH, 0x00, body)
}

// Decode reads the packet from r.
func (p *AuthPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if version != ProtocolV5 {
		return 0, ErrAuthRequiresV5
	}
	if header.PacketType != PacketAUTH {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	rc, n, err := decodeReasonProps(r, header, PacketAUTH, &p.Props)
	p.ReasonCode = rc
	return n, err
}

// Validate checks the reason code and, for anything but plain success, the method.
func (p *AuthPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketAUTH, ProtocolV5) {
		return ErrInvalidReasonCode
	}
	return nil
}
