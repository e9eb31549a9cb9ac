package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// Codec errors.
var (
	ErrPacketTooLarge = errors.New("mqttc: packet exceeds maximum size")

	// ErrIncomplete means the buffer does not yet hold a whole packet.
	// Nothing was consumed.
	ErrIncomplete = errors.New("mqttc: incomplete packet")
)

// protocolErrors are decode failures that come from well-formed bytes with
// illegal content. Everything else is a malformed packet.
var protocolErrors = []error{
	ErrInvalidProtocolVersion,
	ErrInvalidProtocolName,
	ErrDuplicateProperty,
	ErrAuthRequiresV5,
	ErrInvalidPacketID,
	ErrTopicNameEmpty,
	ErrInvalidReasonCode,
	ErrInvalidSubscriptionID,
}

func classifyDecodeError(err error) *DecodeError {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, ErrPacketTooLarge) {
		return &DecodeError{Reason: ReasonPacketTooLarge, Err: err}
	}
	for _, target := range protocolErrors {
		if errors.Is(err, target) {
			return &DecodeError{Reason: ReasonProtocolError, Err: err}
		}
	}
	return &DecodeError{Reason: ReasonMalformedPacket, Err: err}
}

// EncodePacket serializes pkt. Nothing is returned when the packet does not
// fit the variable byte integer range or exceeds maxSize (0 means no limit).
func EncodePacket(pkt Packet, version ProtocolVersion, maxSize uint32) ([]byte, error) {
	buf := getEncodeBuffer()
	defer putEncodeBuffer(buf)

	if err := encodeInto(buf, pkt, version, maxSize); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// WritePacket encodes pkt and writes it to w only when encoding succeeded.
func WritePacket(w io.Writer, pkt Packet, version ProtocolVersion, maxSize uint32) (int, error) {
	buf := getEncodeBuffer()
	defer putEncodeBuffer(buf)

	if err := encodeInto(buf, pkt, version, maxSize); err != nil {
		return 0, err
	}
	return w.Write(buf.Bytes())
}

func encodeInto(buf *bytes.Buffer, pkt Packet, version ProtocolVersion, maxSize uint32) error {
	if _, err := pkt.Encode(buf, version); err != nil {
		return err
	}
	if maxSize > 0 && uint64(buf.Len()) > uint64(maxSize) {
		return ErrPacketTooLarge
	}
	return nil
}

// DecodePacket decodes exactly one packet from the front of data and reports
// how many bytes it used. When data holds only a prefix of a packet it returns
// ErrIncomplete and consumes nothing. Any other failure is a *DecodeError.
func DecodePacket(data []byte, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrIncomplete
	}

	remaining, lenSize, ok, err := peekVarint(data[1:])
	if err != nil {
		return nil, 0, classifyDecodeError(err)
	}
	if !ok {
		return nil, 0, ErrIncomplete
	}

	total := 1 + lenSize + int(remaining)
	if maxSize > 0 && uint64(total) > uint64(maxSize) {
		return nil, 0, classifyDecodeError(ErrPacketTooLarge)
	}
	if len(data) < total {
		return nil, 0, ErrIncomplete
	}

	header := FixedHeader{
		PacketType:      PacketType(data[0] >> 4),
		Flags:           data[0] & 0x0F,
		RemainingLength: remaining,
	}
	if !header.PacketType.ValidFor(version) {
		return nil, 0, classifyDecodeError(ErrInvalidPacketType)
	}

	pkt, err := newPacket(header.PacketType)
	if err != nil {
		return nil, 0, classifyDecodeError(err)
	}

	body := bytes.NewReader(data[1+lenSize : total])
	if _, err := pkt.Decode(body, header, version); err != nil {
		return nil, 0, classifyDecodeError(err)
	}
	if body.Len() != 0 {
		return nil, 0, classifyDecodeError(ErrUnexpectedPayload)
	}

	return pkt, total, nil
}

// Decoder reassembles packets from a byte stream. It is not safe for
// concurrent use.
type Decoder struct {
	version       ProtocolVersion
	maxPacketSize uint32
	buf           []byte
}

// NewDecoder returns a decoder for the given protocol version. maxPacketSize
// is the largest packet accepted; 0 means no limit.
func NewDecoder(version ProtocolVersion, maxPacketSize uint32) *Decoder {
	return &Decoder{version: version, maxPacketSize: maxPacketSize}
}

// SetMaxPacketSize changes the incoming size limit.
func (d *Decoder) SetMaxPacketSize(size uint32) {
	d.maxPacketSize = size
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or ErrIncomplete when more bytes
// are needed. Decoded packets never alias the internal buffer.
func (d *Decoder) Next() (Packet, error) {
	pkt, n, err := DecodePacket(d.buf, d.version, d.maxPacketSize)
	if err != nil {
		return nil, err
	}

	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return pkt, nil
}

// ReadPacket reads one packet from r, blocking until it is complete.
func ReadPacket(r io.Reader, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		if errors.Is(err, ErrVarintMalformed) || errors.Is(err, ErrVarintOverlong) || errors.Is(err, ErrInvalidPacketType) {
			return nil, n, classifyDecodeError(err)
		}
		return nil, n, err
	}

	if maxSize > 0 && uint64(header.Size())+uint64(header.RemainingLength) > uint64(maxSize) {
		return nil, n, classifyDecodeError(ErrPacketTooLarge)
	}

	frame := make([]byte, header.Size(), header.Size()+int(header.RemainingLength))
	frame[0] = byte(header.PacketType)<<4 | header.Flags
	if _, err := appendVarint(frame[:1], header.RemainingLength); err != nil {
		return nil, n, classifyDecodeError(err)
	}
	frame = frame[:cap(frame)]

	rn, err := io.ReadFull(r, frame[header.Size():])
	n += rn
	if err != nil {
		return nil, n, err
	}

	pkt, _, err := DecodePacket(frame, version, maxSize)
	return pkt, n, err
}
