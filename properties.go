package mqttc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// PropertyID is an MQTT v5 property identifier.
type PropertyID byte

// Property identifiers.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType is the wire data type of a property value.
type PropertyType byte

const (
	PropTypeByte        PropertyType = iota // byte
	PropTypeTwoByteInt                      // uint16
	PropTypeFourByteInt                     // uint32
	PropTypeVarInt                          // uint32, variable byte integer
	PropTypeString                          // string
	PropTypeBinary                          // []byte
	PropTypeStringPair                      // StringPair
)

var propertyTypeMap = map[PropertyID]PropertyType{
	PropPayloadFormatIndicator:   PropTypeByte,
	PropMessageExpiryInterval:    PropTypeFourByteInt,
	PropContentType:              PropTypeString,
	PropResponseTopic:            PropTypeString,
	PropCorrelationData:          PropTypeBinary,
	PropSubscriptionIdentifier:   PropTypeVarInt,
	PropSessionExpiryInterval:    PropTypeFourByteInt,
	PropAssignedClientIdentifier: PropTypeString,
	PropServerKeepAlive:          PropTypeTwoByteInt,
	PropAuthenticationMethod:     PropTypeString,
	PropAuthenticationData:       PropTypeBinary,
	PropRequestProblemInfo:       PropTypeByte,
	PropWillDelayInterval:        PropTypeFourByteInt,
	PropRequestResponseInfo:      PropTypeByte,
	PropResponseInformation:      PropTypeString,
	PropServerReference:          PropTypeString,
	PropReasonString:             PropTypeString,
	PropReceiveMaximum:           PropTypeTwoByteInt,
	PropTopicAliasMaximum:        PropTypeTwoByteInt,
	PropTopicAlias:               PropTypeTwoByteInt,
	PropMaximumQoS:               PropTypeByte,
	PropRetainAvailable:          PropTypeByte,
	PropUserProperty:             PropTypeStringPair,
	PropMaximumPacketSize:        PropTypeFourByteInt,
	PropWildcardSubAvailable:     PropTypeByte,
	PropSubscriptionIDAvailable:  PropTypeByte,
	PropSharedSubAvailable:       PropTypeByte,
}

// repeatable lists the properties that may appear more than once.
var repeatable = map[PropertyID]bool{
	PropUserProperty:           true,
	PropSubscriptionIdentifier: true,
}

// Property errors.
var (
	ErrUnknownPropertyID = errors.New("unknown property identifier")
	ErrDuplicateProperty = errors.New("duplicate property not allowed")
	ErrPropertyLength    = errors.New("property length does not match content")
)

// Properties is an ordered list of v5 properties.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has reports whether a property with the given id is present.
func (p *Properties) Has(id PropertyID) bool {
	return p.Get(id) != nil
}

// Get returns the first value stored for id, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for i := range p.props {
		if p.props[i].id == id {
			return p.props[i].value
		}
	}
	return nil
}

// GetAll returns every value stored for id.
func (p *Properties) GetAll(id PropertyID) []any {
	if p == nil {
		return nil
	}
	var result []any
	for i := range p.props {
		if p.props[i].id == id {
			result = append(result, p.props[i].value)
		}
	}
	return result
}

// Set replaces the value for id, or appends it.
func (p *Properties) Set(id PropertyID, value any) {
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i].value = value
			return
		}
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a value for a repeatable property.
func (p *Properties) Add(id PropertyID, value any) {
	p.props = append(p.props, property{id: id, value: value})
}

// Delete removes every value stored for id.
func (p *Properties) Delete(id PropertyID) {
	n := 0
	for i := range p.props {
		if p.props[i].id != id {
			p.props[n] = p.props[i]
			n++
		}
	}
	p.props = p.props[:n]
}

// GetByte returns a byte property, or 0.
func (p *Properties) GetByte(id PropertyID) byte {
	v, _ := p.Get(id).(byte)
	return v
}

// GetUint16 returns a two byte integer property, or 0.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	v, _ := p.Get(id).(uint16)
	return v
}

// GetUint32 returns a four byte or variable byte integer property, or 0.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	v, _ := p.Get(id).(uint32)
	return v
}

// GetString returns a string property, or "".
func (p *Properties) GetString(id PropertyID) string {
	v, _ := p.Get(id).(string)
	return v
}

// GetBinary returns a binary property, or nil.
func (p *Properties) GetBinary(id PropertyID) []byte {
	v, _ := p.Get(id).([]byte)
	return v
}

// GetAllStringPairs returns every string pair stored for id.
func (p *Properties) GetAllStringPairs(id PropertyID) []StringPair {
	var result []StringPair
	for _, v := range p.GetAll(id) {
		if sp, ok := v.(StringPair); ok {
			result = append(result, sp)
		}
	}
	return result
}

// GetAllVarInts returns every variable byte integer stored for id.
func (p *Properties) GetAllVarInts(id PropertyID) []uint32 {
	var result []uint32
	for _, v := range p.GetAll(id) {
		if u, ok := v.(uint32); ok {
			result = append(result, u)
		}
	}
	return result
}

// Encode writes the property length followed by every property.
func (p *Properties) Encode(w io.Writer) (int, error) {
	var body bytes.Buffer
	if p != nil {
		for i := range p.props {
			if err := encodeProperty(&body, p.props[i]); err != nil {
				return 0, err
			}
		}
	}

	n, err := encodeVarint(w, uint32(body.Len()))
	if err != nil {
		return n, err
	}

	n2, err := w.Write(body.Bytes())
	return n + n2, err
}

func encodeProperty(buf *bytes.Buffer, prop property) error {
	propType, ok := propertyTypeMap[prop.id]
	if !ok {
		return ErrUnknownPropertyID
	}

	buf.WriteByte(byte(prop.id))

	var err error
	switch propType {
	case PropTypeByte:
		v, _ := prop.value.(byte)
		buf.WriteByte(v)
	case PropTypeTwoByteInt:
		v, _ := prop.value.(uint16)
		buf.Write(binary.BigEndian.AppendUint16(nil, v))
	case PropTypeFourByteInt:
		v, _ := prop.value.(uint32)
		buf.Write(binary.BigEndian.AppendUint32(nil, v))
	case PropTypeVarInt:
		v, _ := prop.value.(uint32)
		_, err = encodeVarint(buf, v)
	case PropTypeString:
		v, _ := prop.value.(string)
		_, err = encodeString(buf, v)
	case PropTypeBinary:
		v, _ := prop.value.([]byte)
		_, err = encodeBinary(buf, v)
	case PropTypeStringPair:
		v, _ := prop.value.(StringPair)
		_, err = encodeStringPair(buf, v)
	}
	return err
}

// Decode reads a property length and that many bytes of properties.
func (p *Properties) Decode(r io.Reader) (int, error) {
	length, n, err := decodeVarint(r)
	if err != nil || length == 0 {
		return n, err
	}

	raw := make([]byte, length)
	n2, err := io.ReadFull(r, raw)
	n += n2
	if err != nil {
		return n, err
	}

	return n, p.decodeList(bytes.NewReader(raw))
}

func (p *Properties) decodeList(r *bytes.Reader) error {
	seen := make(map[PropertyID]bool)

	for r.Len() > 0 {
		idByte, _, err := readByte(r)
		if err != nil {
			return err
		}

		id := PropertyID(idByte)
		propType, ok := propertyTypeMap[id]
		if !ok {
			return ErrUnknownPropertyID
		}
		if seen[id] && !repeatable[id] {
			return ErrDuplicateProperty
		}
		seen[id] = true

		var value any
		switch propType {
		case PropTypeByte:
			value, _, err = readByte(r)
		case PropTypeTwoByteInt:
			value, _, err = readUint16(r)
		case PropTypeFourByteInt:
			var buf [4]byte
			_, err = io.ReadFull(r, buf[:])
			value = binary.BigEndian.Uint32(buf[:])
		case PropTypeVarInt:
			value, _, err = decodeVarint(r)
		case PropTypeString:
			value, _, err = decodeString(r)
		case PropTypeBinary:
			value, _, err = decodeBinary(r)
		case PropTypeStringPair:
			value, _, err = decodeStringPair(r)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrPropertyLength
			}
			return err
		}

		p.props = append(p.props, property{id: id, value: value})
	}

	return nil
}
