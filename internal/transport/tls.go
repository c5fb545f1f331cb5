package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"packetsender/config"
)

// TLSDialer runs a TLS client handshake over connections opened by
// Base.  Certificate errors are ignored when Insecure is set.
type TLSDialer struct {
	Base     Dialer
	Insecure bool

	// HandshakeTimeout bounds the handshake; 0 means
	// config.DefaultConnectTimeout.
	HandshakeTimeout time.Duration

	// ServerName overrides SNI.  Otherwise the name attached with
	// WithServerName is used, then the host of the dialed address.
	ServerName string
}

type serverNameKey struct{}

// WithServerName records the host name a connection is meant for;
// dial addresses are already resolved.
func WithServerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, serverNameKey{}, name)
}

// Dial connects with Base and completes the handshake before returning.
func (d *TLSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	raw, err := d.Base.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		InsecureSkipVerify: d.Insecure, //nolint:gosec // opt-in via ignoreSSLCheck
		ServerName:         d.serverName(ctx, address),
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(hctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return conn, nil
}

func (d *TLSDialer) serverName(ctx context.Context, address string) string {
	if d.ServerName != "" {
		return d.ServerName
	}
	if n, _ := ctx.Value(serverNameKey{}).(string); n != "" && net.ParseIP(n) == nil {
		return n
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// Close closes the base dialer.
func (d *TLSDialer) Close() error { return d.Base.Close() }

// Describe renders the negotiated parameters of a TLS connection, or
// "" for a plain one.
func Describe(conn net.Conn) string {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return ""
	}
	st := tc.ConnectionState()
	return fmt.Sprintf("%s %s", tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite))
}
