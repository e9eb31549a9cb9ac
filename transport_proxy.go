package mqttc

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig names a proxy for client connections.
type ProxyConfig struct {
	// URL is http://host:port, https://host:port or socks5://host:port.
	URL string

	// Credentials override any user info in URL.
	Username string
	Password string
}

// ProxyDialer tunnels TCP connections through an HTTP CONNECT or SOCKS5
// proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer parses proxyURL. Supported schemes are http, https,
// socks5 and socks5h.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", u.Scheme)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{proxyURL: u, username: username, password: password}, nil
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "http" || d.proxyURL.Scheme == "https" {
		return d.dialHTTPConnect(ctx, addr)
	}
	return d.dialSOCKS5(ctx, network, addr)
}

func (d *ProxyDialer) proxyAddr() string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}

	port := "8080"
	switch d.proxyURL.Scheme {
	case "https":
		port = "443"
	case "socks5", "socks5h":
		port = "1080"
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), port)
}

func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, target string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	// The handshake must not outlive ctx.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("proxy sent %d bytes before the tunnel was established", br.Buffered())
	}
	return conn, nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr(), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial failed: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment returns the proxy for a server URL according to
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY, or nil when none applies. TLS
// based schemes use HTTPS_PROXY.
func ProxyFromEnvironment(serverURL string) (*url.URL, error) {
	u, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}

	probe := &url.URL{Scheme: "http", Host: u.Host}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		probe.Scheme = "https"
	}

	cfg := httpproxy.FromEnvironment()
	proxyURL, err := cfg.ProxyFunc()(probe)
	if err != nil {
		return nil, err
	}
	if proxyURL == nil && probe.Scheme == "https" && cfg.HTTPProxy != "" {
		// Fall back to HTTP_PROXY unless NO_PROXY excludes the host.
		probe.Scheme = "http"
		return cfg.ProxyFunc()(probe)
	}
	return proxyURL, nil
}
