package mqttc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t testing.TB) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	return cert, pool
}

// startTLSEchoServer echoes every TLS connection back to its sender.
func startTLSEchoServer(t *testing.T, cert tls.Certificate) string {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func TestTCPDialer(t *testing.T) {
	addr := startEchoServer(t)

	conn, err := (&TCPDialer{Timeout: time.Second}).Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	echo(t, conn, "tcp")
}

func TestTCPDialerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&TCPDialer{}).Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestTLSDialer(t *testing.T) {
	cert, pool := generateTestCertificate(t)
	addr := startTLSEchoServer(t, cert)

	t.Run("trusted", func(t *testing.T) {
		d := &TLSDialer{Config: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, Timeout: time.Second}
		conn, err := d.Dial(context.Background(), addr)
		require.NoError(t, err)
		defer conn.Close()

		echo(t, conn, "tls")
	})

	t.Run("untrusted", func(t *testing.T) {
		d := &TLSDialer{Timeout: time.Second}
		_, err := d.Dial(context.Background(), addr)
		assert.Error(t, err)
	})

	t.Run("through proxy", func(t *testing.T) {
		proxyAddr := startConnectProxy(t, func(*http.Request) int { return http.StatusOK })
		proxy, err := NewProxyDialer("http://"+proxyAddr, "", "")
		require.NoError(t, err)

		d := &TLSDialer{Config: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, Proxy: proxy}
		conn, err := d.Dial(context.Background(), addr)
		require.NoError(t, err)
		defer conn.Close()

		echo(t, conn, "tls via proxy")
	})
}

func TestURLDialer(t *testing.T) {
	tcpAddr := startEchoServer(t)
	cert, pool := generateTestCertificate(t)
	tlsAddr := startTLSEchoServer(t, cert)

	d := &URLDialer{
		TLSConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		Timeout:   time.Second,
	}

	for _, server := range []string{"tcp://" + tcpAddr, "mqtt://" + tcpAddr, tcpAddr, "tls://" + tlsAddr, "mqtts://" + tlsAddr, "ssl://" + tlsAddr} {
		t.Run(server, func(t *testing.T) {
			conn, err := d.Dial(context.Background(), server)
			require.NoError(t, err)
			defer conn.Close()

			echo(t, conn, server)
		})
	}

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := d.Dial(context.Background(), "ftp://broker:1")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})
}

func TestParseServerURL(t *testing.T) {
	tests := []struct {
		address string
		scheme  string
		host    string
		wantErr bool
	}{
		{"tcp://broker:1883", "tcp", "broker:1883", false},
		{"broker:1883", "tcp", "broker:1883", false},
		{"wss://broker/mqtt", "wss", "broker", false},
		{"quic://[::1]:8883", "quic", "[::1]:8883", false},
		{"unix:///var/run/mqtt.sock", "unix", "", false},
		{"tcp://:1883", "", "", true},
		{"unix://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			u, err := parseServerURL(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, u.Scheme)
			assert.Equal(t, tt.host, u.Host)
		})
	}
}

func TestDefaultPort(t *testing.T) {
	assert.Equal(t, "1883", defaultPort("tcp"))
	assert.Equal(t, "8883", defaultPort("mqtts"))
	assert.Equal(t, "8883", defaultPort("quic"))
	assert.Equal(t, "80", defaultPort("ws"))
	assert.Equal(t, "443", defaultPort("wss"))
}

func BenchmarkTCPRoundTrip(b *testing.B) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(b, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	conn, err := (&TCPDialer{}).Dial(context.Background(), ln.Addr().String())
	require.NoError(b, err)
	defer conn.Close()

	data, _ := EncodePacket(&PublishPacket{Topic: "bench", Payload: make([]byte, 64)}, ProtocolV5, 0)
	buf := make([]byte, len(data))

	b.ReportAllocs()
	for b.Loop() {
		_, _ = conn.Write(data)
		_, _ = io.ReadFull(conn, buf)
	}
}
