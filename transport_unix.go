package mqttc

import (
	"context"
	"net"
	"time"
)

// UnixDialer connects to brokers listening on a Unix domain socket, such as
// a local bridge or sidecar.
type UnixDialer struct {
	Timeout time.Duration
}

// Dial connects to the socket at path (e.g. "/var/run/mqtt.sock").
func (d *UnixDialer) Dial(ctx context.Context, path string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "unix", path)
}
