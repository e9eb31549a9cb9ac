package mqttc

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
	ErrVarintOverlong     = errors.New("variable byte integer uses more bytes than necessary")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	maxVarintBytes    = 4
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}
	return nil
}

// encodeString writes a UTF-8 string with a 2-byte length prefix.
func encodeString(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}
	if err := validateUTF8(s); err != nil {
		return 0, err
	}

	n, err := writeUint16(w, uint16(len(s)))
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a UTF-8 string with a 2-byte length prefix.
func decodeString(r io.Reader) (string, int, error) {
	buf, n, err := decodeBinary(r)
	if err != nil {
		return "", n, err
	}

	s := string(buf)
	if err := validateUTF8(s); err != nil {
		return "", n, err
	}

	return s, n, nil
}

// encodeBinary writes binary data with a 2-byte length prefix.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	n, err := writeUint16(w, uint16(len(data)))
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads binary data with a 2-byte length prefix.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	length, n, err := readUint16(r)
	if err != nil || length == 0 {
		return nil, n, err
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	return buf, n + n2, err
}

// StringPair is a key-value string pair, used by v5 user properties.
type StringPair struct {
	Key   string
	Value string
}

func encodeStringPair(w io.Writer, pair StringPair) (int, error) {
	n, err := encodeString(w, pair.Key)
	if err != nil {
		return n, err
	}

	n2, err := encodeString(w, pair.Value)
	return n + n2, err
}

func decodeStringPair(r io.Reader) (StringPair, int, error) {
	key, n, err := decodeString(r)
	if err != nil {
		return StringPair{}, n, err
	}

	value, n2, err := decodeString(r)
	n += n2
	if err != nil {
		return StringPair{}, n, err
	}

	return StringPair{Key: key, Value: value}, n, nil
}

func writeUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

func readUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

func readByte(r io.Reader) (byte, int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	return buf[0], n, err
}

// appendVarint appends the variable byte integer encoding of value to dst.
func appendVarint(dst []byte, value uint32) ([]byte, error) {
	if value > maxVarint {
		return dst, ErrVarintTooLarge
	}

	for {
		b := byte(value & varintValueMask)
		value >>= 7
		if value > 0 {
			b |= varintContinueBit
		}
		dst = append(dst, b)
		if value == 0 {
			return dst, nil
		}
	}
}

// encodeVarint writes a variable byte integer to w.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	var scratch [maxVarintBytes]byte
	buf, err := appendVarint(scratch[:0], value)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// decodeVarint reads a variable byte integer from r.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var shift uint

	for i := range maxVarintBytes {
		b, _, err := readByte(r)
		if err != nil {
			return 0, i, err
		}

		value |= uint32(b&varintValueMask) << shift
		if b&varintContinueBit == 0 {
			if i > 0 && b == 0 {
				return 0, i + 1, ErrVarintOverlong
			}
			return value, i + 1, nil
		}
		shift += 7
	}

	return 0, maxVarintBytes, ErrVarintMalformed
}

// peekVarint decodes a variable byte integer at the start of data without
// consuming anything. ok is false when data ends before the final byte.
func peekVarint(data []byte) (value uint32, size int, ok bool, err error) {
	var shift uint

	for i := range maxVarintBytes {
		if i >= len(data) {
			return 0, 0, false, nil
		}

		b := data[i]
		value |= uint32(b&varintValueMask) << shift
		if b&varintContinueBit == 0 {
			if i > 0 && b == 0 {
				return 0, 0, false, ErrVarintOverlong
			}
			return value, i + 1, true, nil
		}
		shift += 7
	}

	return 0, 0, false, ErrVarintMalformed
}

// varintSize returns the number of bytes needed to encode value.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
