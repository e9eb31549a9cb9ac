package mqttc

import (
	"bytes"
	"errors"
	"io"
)

const protocolName = "MQTT"

// Connect flag bits.
const (
	connectFlagReserved   = 0x01
	connectFlagCleanStart = 0x02
	connectFlagWill       = 0x04
	connectFlagWillRetain = 0x20
	connectFlagPassword   = 0x40
	connectFlagUsername   = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrClientIDRequired       = errors.New("client ID required with clean start false")
	ErrPasswordWithoutUser    = errors.New("password requires a user name in MQTT 3.1.1")
)

// WillMessage is the message the server publishes when the client goes away
// without a normal DISCONNECT.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Props   Properties // v5 only
}

// ConnectPacket is a CONNECT control packet.
type ConnectPacket struct {
	// Version is taken from the wire on decode and used on encode when set.
	Version    ProtocolVersion
	ClientID   string
	CleanStart bool
	KeepAlive  uint16
	Username   string
	Password   []byte
	Will       *WillMessage
	Props      Properties
}

// Type returns PacketCONNECT.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) flags() byte {
	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.Will != nil {
		flags |= connectFlagWill | (p.Will.QoS&0x03)<<3
		if p.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}
	if len(p.Password) > 0 {
		flags |= connectFlagPassword
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	return flags
}

// Encode writes the packet to w. A non-zero p.Version takes precedence over version.
func (p *ConnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if p.Version != 0 {
		version = p.Version
	}
	if !version.Valid() {
		return 0, ErrInvalidProtocolVersion
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if version == ProtocolV311 && p.Username == "" && len(p.Password) > 0 {
		return 0, ErrPasswordWithoutUser
	}

	var buf bytes.Buffer
	if _, err := encodeString(&buf, protocolName); err != nil {
		return 0, err
	}
	buf.WriteByte(byte(version))
	buf.WriteByte(p.flags())
	writeUint16(&buf, p.KeepAlive)
	if err := writeProps(&buf, &p.Props, version); err != nil {
		return 0, err
	}

	if _, err := encodeString(&buf, p.ClientID); err != nil {
		return 0, err
	}
	if p.Will != nil {
		if err := writeProps(&buf, &p.Will.Props, version); err != nil {
			return 0, err
		}
		if _, err := encodeString(&buf, p.Will.Topic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(&buf, p.Will.Payload); err != nil {
			return 0, err
		}
	}
	if p.Username != "" {
		if _, err := encodeString(&buf, p.Username); err != nil {
			return 0, err
		}
	}
	if len(p.Password) > 0 {
		if _, err := encodeBinary(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	return writeFrame(w, PacketCONNECT, 0x00, buf.Bytes())
}

// Decode reads the packet from r. The protocol level on the wire wins over version.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader, _ ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}
	if err := header.ValidateFlags(); err != nil {
		return 0, err
	}

	name, n, err := decodeString(r)
	if err != nil {
		return n, err
	}
	if name != protocolName {
		return n, ErrInvalidProtocolName
	}

	var fixed [4]byte
	n2, err := io.ReadFull(r, fixed[:])
	n += n2
	if err != nil {
		return n, err
	}

	p.Version = ProtocolVersion(fixed[0])
	if !p.Version.Valid() {
		return n, ErrInvalidProtocolVersion
	}

	flags := fixed[1]
	if flags&connectFlagReserved != 0 {
		return n, ErrInvalidConnectFlags
	}
	p.CleanStart = flags&connectFlagCleanStart != 0
	p.KeepAlive = uint16(fixed[2])<<8 | uint16(fixed[3])

	if p.Version == ProtocolV5 {
		n2, err = p.Props.Decode(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	p.ClientID, n2, err = decodeString(r)
	n += n2
	if err != nil {
		return n, err
	}

	if flags&connectFlagWill != 0 {
		will := &WillMessage{
			QoS:    (flags >> 3) & 0x03,
			Retain: flags&connectFlagWillRetain != 0,
		}
		if will.QoS > 2 {
			return n, ErrInvalidConnectFlags
		}
		if p.Version == ProtocolV5 {
			n2, err = will.Props.Decode(r)
			n += n2
			if err != nil {
				return n, err
			}
		}
		will.Topic, n2, err = decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}
		will.Payload, n2, err = decodeBinary(r)
		n += n2
		if err != nil {
			return n, err
		}
		p.Will = will
	} else if flags&(0x18|connectFlagWillRetain) != 0 {
		return n, ErrInvalidConnectFlags
	}

	if flags&connectFlagUsername != 0 {
		p.Username, n2, err = decodeString(r)
		n += n2
		if err != nil {
			return n, err
		}
	}
	if flags&connectFlagPassword != 0 {
		p.Password, n2, err = decodeBinary(r)
		n += n2
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Validate checks the packet fields.
func (p *ConnectPacket) Validate() error {
	if !p.CleanStart && p.ClientID == "" {
		return ErrClientIDRequired
	}
	if p.Will != nil {
		if p.Will.QoS > 2 {
			return ErrInvalidConnectFlags
		}
		if err := ValidateTopicName(p.Will.Topic); err != nil {
			return err
		}
	}
	return nil
}
