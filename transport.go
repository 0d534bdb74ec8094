package redis

import (
	"context"
	"crypto/tls"
	"net"
	"path/filepath"
	"strconv"
)

// Endpoint abstracts how to reach a Redis-compatible service over TCP,
// Unix-domain socket, or TLS. Only dialing is in scope — pooling, retry,
// and backoff belong to Client, not to the Endpoint.
type Endpoint interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TCPEndpoint dials a host:port address.
type TCPEndpoint struct {
	Host string
	Port int
}

// Dial implements Endpoint.
func (e TCPEndpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// UnixEndpoint dials a Unix-domain socket by filesystem path.
type UnixEndpoint struct {
	Path string
}

// Dial implements Endpoint.
func (e UnixEndpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", filepath.Clean(e.Path))
}

// TLSEndpoint wraps any other Endpoint with a TLS handshake, so
// TLS-over-Unix and TLS-over-TCP share the same decorator. This uses only
// crypto/tls, and Config is a pass-through.
type TLSEndpoint struct {
	Inner  Endpoint
	Config *tls.Config
}

// Dial implements Endpoint.
func (e TLSEndpoint) Dial(ctx context.Context) (net.Conn, error) {
	nc, err := e.Inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(nc, e.Config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return tlsConn, nil
}

// ParseEndpoint follows the common address-string convention: an
// absolute path selects a Unix-domain socket, otherwise host:port, with
// host defaulting to localhost and port to 6379.
func ParseEndpoint(addr string) Endpoint {
	if isUnixAddr(addr) {
		return UnixEndpoint{Path: filepath.Clean(addr)}
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		host = "localhost"
	}
	p := 6379
	if port != "" {
		if v, err := strconv.Atoi(port); err == nil {
			p = v
		}
	}
	return TCPEndpoint{Host: host, Port: p}
}

func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}
