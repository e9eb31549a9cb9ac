package mqttc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICALPN is the ALPN protocol negotiated for MQTT over QUIC.
const QUICALPN = "mqtt"

// quicConn carries one MQTT connection on the first bidirectional stream
// of a QUIC connection.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream, then the whole QUIC connection.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.closeErr = c.stream.Close()
		if err := c.conn.CloseWithError(0, ""); c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// QUICDialer connects to MQTT brokers over QUIC.
type QUICDialer struct {
	// TLSConfig must allow TLS 1.3. The mqtt ALPN is added when no
	// protocols are listed.
	TLSConfig *tls.Config

	QUICConfig *quic.Config
}

// NewQUICDialer returns a dialer using tlsConfig, or TLS 1.3 defaults when
// it is nil.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: tlsConfig}
}

// Dial connects to a host:port address and opens the MQTT stream.
func (d *QUICDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{QUICALPN}
	}

	conn, err := quic.DialAddr(ctx, address, tlsConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}
