package mqttc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// ErrUnsupportedScheme is returned for server URLs with an unknown scheme.
var ErrUnsupportedScheme = errors.New("unsupported server scheme")

// Dialer opens the byte stream to one server. The address is a server URL
// such as "tcp://broker:1883"; plain dialers take "host:port".
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// contextDialer is satisfied by net.Dialer and ProxyDialer.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TCPDialer connects to MQTT brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy, when set, tunnels the connection.
	Proxy *ProxyDialer
}

// Dial connects to a host:port address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return d.forward().DialContext(ctx, "tcp", address)
}

func (d *TCPDialer) forward() contextDialer {
	if d.Proxy != nil {
		return d.Proxy
	}
	return &net.Dialer{Timeout: d.Timeout}
}

// TLSDialer connects to MQTT brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration. Nil means TLS 1.2 or newer with
	// system roots.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// Proxy, when set, tunnels the connection before the handshake.
	Proxy *ProxyDialer
}

// Dial connects to a host:port address and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if d.Proxy == nil {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: d.Timeout},
			Config:    config,
		}
		return dialer.DialContext(ctx, "tcp", address)
	}

	conn, err := d.Proxy.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName, _, _ = net.SplitHostPort(address)
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// URLDialer picks a transport from the scheme of a server URL:
//
//	tcp://, mqtt://             plain TCP (default port 1883)
//	ssl://, tls://, mqtts://    TLS (default port 8883)
//	ws://, wss://               WebSocket (default ports 80 and 443)
//	quic://                     QUIC (default port 8883)
//	unix:///path/to/socket      Unix domain socket
//
// A URL without a scheme is dialed as TCP.
type URLDialer struct {
	TLSConfig *tls.Config
	Timeout   time.Duration

	// Proxy applies to TCP, TLS and WebSocket connections.
	Proxy *ProxyConfig

	// ProxyFromEnvironment consults HTTP_PROXY, HTTPS_PROXY and NO_PROXY
	// when Proxy is nil.
	ProxyFromEnvironment bool
}

// Dial implements Dialer.
func (d *URLDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	u, err := parseServerURL(address)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "unix" {
		return (&UnixDialer{Timeout: d.Timeout}).Dial(ctx, u.Path)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}

	proxy, err := d.resolveProxy(u)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration error: %w", err)
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		return (&TCPDialer{Timeout: d.Timeout, Proxy: proxy}).Dial(ctx, host)
	case "ssl", "tls", "mqtts":
		return (&TLSDialer{Config: d.TLSConfig, Timeout: d.Timeout, Proxy: proxy}).Dial(ctx, host)
	case "ws", "wss":
		ws := NewWSDialer()
		ws.Dialer.HandshakeTimeout = d.Timeout
		if d.TLSConfig != nil {
			ws.Dialer.TLSClientConfig = d.TLSConfig
		}
		if proxy != nil {
			ws.Dialer.NetDialContext = proxy.DialContext
		}
		return ws.Dial(ctx, u.String())
	case "quic":
		return NewQUICDialer(d.TLSConfig).Dial(ctx, host)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (d *URLDialer) resolveProxy(target *url.URL) (*ProxyDialer, error) {
	if d.Proxy != nil {
		return NewProxyDialer(d.Proxy.URL, d.Proxy.Username, d.Proxy.Password)
	}
	if !d.ProxyFromEnvironment {
		return nil, nil
	}

	proxyURL, err := ProxyFromEnvironment(target.String())
	if err != nil || proxyURL == nil {
		return nil, err
	}
	return NewProxyDialer(proxyURL.String(), "", "")
}

func parseServerURL(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err == nil && u.Scheme == "unix" {
		if u.Path == "" {
			return nil, fmt.Errorf("invalid server address %q: missing socket path", address)
		}
		return u, nil
	}
	if err != nil || u.Host == "" {
		// "host:port" parses as scheme "host"; retry with the default scheme.
		u, err = url.Parse("tcp://" + address)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", address, err)
		}
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", address)
	}
	return u, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "ssl", "tls", "mqtts", "quic":
		return "8883"
	case "ws":
		return "80"
	case "wss":
		return "443"
	default:
		return "1883"
	}
}
