package mqttc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWSServer runs handler on every upgraded connection.
func startWSServer(t *testing.T, subprotocols []string, handler func(*websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsEcho(ws *websocket.Conn) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func TestWSDialer(t *testing.T) {
	url := startWSServer(t, []string{WebSocketSubprotocol}, wsEcho)

	conn, err := NewWSDialer().Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	echo(t, conn, "websocket")
}

func TestWSConnPacketAcrossFrames(t *testing.T) {
	data, err := EncodePacket(&PublishPacket{Topic: "a/b", Payload: []byte("payload")}, ProtocolV5, 0)
	require.NoError(t, err)

	url := startWSServer(t, []string{WebSocketSubprotocol}, func(ws *websocket.Conn) {
		// Split the packet over three frames.
		_ = ws.WriteMessage(websocket.BinaryMessage, data[:1])
		_ = ws.WriteMessage(websocket.BinaryMessage, data[1:4])
		_ = ws.WriteMessage(websocket.BinaryMessage, data[4:])
		_, _, _ = ws.ReadMessage()
	})

	conn, err := NewWSDialer().Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, len(data))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	pkt, n, err := DecodePacket(buf, ProtocolV5, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, "a/b", pkt.(*PublishPacket).Topic)
}

func TestWSConnRejectsTextFrames(t *testing.T) {
	url := startWSServer(t, []string{WebSocketSubprotocol}, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		_, _, _ = ws.ReadMessage()
	})

	conn, err := NewWSDialer().Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrWSTextFrame)
}

func TestWSDialerRequiresSubprotocol(t *testing.T) {
	url := startWSServer(t, nil, wsEcho)

	_, err := NewWSDialer().Dial(context.Background(), url)
	assert.Error(t, err)
}

func TestURLDialerWebSocket(t *testing.T) {
	url := startWSServer(t, []string{WebSocketSubprotocol}, wsEcho)

	conn, err := (&URLDialer{Timeout: time.Second}).Dial(context.Background(), url+"/mqtt")
	require.NoError(t, err)
	defer conn.Close()

	echo(t, conn, "websocket url")
}
