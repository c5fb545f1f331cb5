package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"packetsender/internal/retry"
	"packetsender/tunnel"
	"packetsender/util"
)

// SSHDialer routes connections through an SSH gateway.  The gateway is
// connected on the first Dial and reconnected on a later Dial if it
// has dropped in between.  Repeated connect failures trip a breaker
// so queued workers fail fast.
type SSHDialer struct {
	tunnel  tunnel.Tunnel
	config  *tunnel.SSHConfig
	logger  *util.Logger
	breaker *retry.CircuitBreaker
	mu      sync.Mutex
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	d := &SSHDialer{
		tunnel:  tunnel.NewSSHTunnel(cfg, logger),
		config:  cfg,
		logger:  logger,
		breaker: retry.NewCircuitBreaker(3, 10*time.Second),
	}
	d.breaker.OnStateChange = func(_, to retry.State) {
		logger.Verbose("SSH gateway breaker %s", to)
	}
	return d
}

// connect (re)establishes the SSH tunnel unless it is alive.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel.IsAlive() {
		return nil
	}

	err := d.breaker.Execute(func() error {
		d.logger.Verbose("establishing SSH gateway %s@%s", d.config.User, d.config.Addr())
		return d.tunnel.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	d.logger.Verbose("SSH gateway established")
	return nil
}

// Dial connects to address through the SSH tunnel.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel.IsAlive() {
		return d.tunnel.Close()
	}
	return nil
}
