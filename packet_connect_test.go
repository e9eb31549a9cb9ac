package mqttc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketFlags(t *testing.T) {
	tests := []struct {
		name string
		pkt  ConnectPacket
		want byte
	}{
		{"clean start", ConnectPacket{CleanStart: true}, 0x02},
		{"username and password", ConnectPacket{ClientID: "c", Username: "u", Password: []byte("p")}, 0xC0},
		{"will qos 2 retained", ConnectPacket{ClientID: "c", Will: &WillMessage{Topic: "w", QoS: QoS2, Retain: true}}, 0x34},
		{"will qos 1", ConnectPacket{CleanStart: true, Will: &WillMessage{Topic: "w", QoS: QoS1}}, 0x0E},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pkt.flags())
		})
	}
}

func TestConnectPacketVersionOverride(t *testing.T) {
	pkt := &ConnectPacket{Version: ProtocolV311, ClientID: "c", CleanStart: true}

	data, err := EncodePacket(pkt, ProtocolV5, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(ProtocolV311), data[8])
}

func TestConnectPacketValidation(t *testing.T) {
	tests := []struct {
		name    string
		pkt     *ConnectPacket
		version ProtocolVersion
		wantErr error
	}{
		{
			name:    "empty client id without clean start",
			pkt:     &ConnectPacket{},
			version: ProtocolV5,
			wantErr: ErrClientIDRequired,
		},
		{
			name:    "password without username in 3.1.1",
			pkt:     &ConnectPacket{CleanStart: true, Password: []byte("p")},
			version: ProtocolV311,
			wantErr: ErrPasswordWithoutUser,
		},
		{
			name:    "will with wildcard",
			pkt:     &ConnectPacket{CleanStart: true, Will: &WillMessage{Topic: "a/+"}},
			version: ProtocolV5,
			wantErr: ErrInvalidTopicName,
		},
		{
			name:    "will qos 3",
			pkt:     &ConnectPacket{CleanStart: true, Will: &WillMessage{Topic: "a", QoS: 3}},
			version: ProtocolV5,
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "unknown version",
			pkt:     &ConnectPacket{Version: 3, CleanStart: true},
			version: ProtocolV5,
			wantErr: ErrInvalidProtocolVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.pkt.Encode(&bytes.Buffer{}, tt.version)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("password without username in 5.0", func(t *testing.T) {
		pkt := &ConnectPacket{CleanStart: true, Password: []byte("token")}
		data, err := EncodePacket(pkt, ProtocolV5, 0)
		require.NoError(t, err)

		decoded, _, err := DecodePacket(data, ProtocolV5, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("token"), decoded.(*ConnectPacket).Password)
		assert.Empty(t, decoded.(*ConnectPacket).Username)
	})
}

func TestConnectPacketDecodeErrors(t *testing.T) {
	valid, err := EncodePacket(&ConnectPacket{ClientID: "c", CleanStart: true}, ProtocolV311, 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		patch   func([]byte)
		wantErr error
	}{
		{"protocol name", func(b []byte) { b[4] = 'X' }, ErrInvalidProtocolName},
		{"protocol level", func(b []byte) { b[8] = 3 }, ErrInvalidProtocolVersion},
		{"reserved flag", func(b []byte) { b[9] |= 0x01 }, ErrInvalidConnectFlags},
		{"will qos without will", func(b []byte) { b[9] |= 0x08 }, ErrInvalidConnectFlags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Clone(valid)
			tt.patch(data)

			_, _, err := DecodePacket(data, ProtocolV311, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConnackPacketValidation(t *testing.T) {
	_, err := EncodePacket(&ConnackPacket{ReasonCode: ReasonGrantedQoS1}, ProtocolV5, 0)
	assert.ErrorIs(t, err, ErrInvalidReasonCode)

	_, err = EncodePacket(&ConnackPacket{ReasonCode: ReasonNotAuthorized, SessionPresent: true}, ProtocolV5, 0)
	assert.ErrorIs(t, err, ErrInvalidConnackFlags)

	_, _, err = DecodePacket([]byte{0x20, 0x02, 0x02, 0x00}, ProtocolV311, 0)
	assert.ErrorIs(t, err, ErrInvalidConnackFlags)

	_, _, err = DecodePacket([]byte{0x20, 0x02, 0x00, 0x06}, ProtocolV311, 0)
	assert.ErrorIs(t, err, ErrInvalidReasonCode)
}

func TestConnackPacketV5WithoutProperties(t *testing.T) {
	pkt, _, err := DecodePacket([]byte{0x20, 0x02, 0x00, 0x87}, ProtocolV5, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAuthorized, pkt.(*ConnackPacket).ReasonCode)
}

func TestDisconnectPacketEncoding(t *testing.T) {
	v3, err := EncodePacket(&DisconnectPacket{ReasonCode: ReasonDisconnectWithWill}, ProtocolV311, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x00}, v3)

	success, err := EncodePacket(&DisconnectPacket{}, ProtocolV5, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x00}, success)

	will, err := EncodePacket(&DisconnectPacket{ReasonCode: ReasonDisconnectWithWill}, ProtocolV5, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x01, 0x04}, will)

	_, err = EncodePacket(&DisconnectPacket{ReasonCode: ReasonGrantedQoS1}, ProtocolV5, 0)
	assert.ErrorIs(t, err, ErrInvalidReasonCode)
}

func TestAuthPacketAccessors(t *testing.T) {
	pkt := &AuthPacket{ReasonCode: ReasonContinueAuth}
	pkt.Props.Set(PropAuthenticationMethod, "SCRAM-SHA-1")
	pkt.Props.Set(PropAuthenticationData, []byte("n,,n=user"))

	assert.Equal(t, "SCRAM-SHA-1", pkt.Method())
	assert.Equal(t, []byte("n,,n=user"), pkt.Data())

	_, _, err := DecodePacket([]byte{0xF0, 0x01, 0x00}, ProtocolV5, 0)
	assert.NoError(t, err)

	_, _, err = DecodePacket([]byte{0xF0, 0x01, 0x87}, ProtocolV5, 0)
	assert.ErrorIs(t, err, ErrInvalidReasonCode)
}
