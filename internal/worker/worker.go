// Package worker runs one outbound TCP or TLS exchange: resolve,
// connect, optionally read first, write the packet, read whatever the
// peer answers within the response timeout, close.  Each worker owns
// its socket and reports everything on its own event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"packetsender/config"
	pserr "packetsender/internal/errors"
	"packetsender/internal/events"
	"packetsender/internal/resolver"
	"packetsender/internal/transport"
	"packetsender/packet"
	"packetsender/util"
)

// Resolver turns a destination host into an address at send time.
type Resolver interface {
	ResolveContext(ctx context.Context, host string) net.IP
}

// Config is what a worker or session needs besides its packet.
type Config struct {
	Dialer   transport.Dialer
	Resolver Resolver
	// Network is "tcp4" in IPv4 mode, "tcp" in IPv6 mode.
	Network string

	ResponseTimeout          time.Duration
	ReceiveBeforeSendTimeout time.Duration
	WriteTimeout             time.Duration

	Logger *util.Logger
}

func (c *Config) defaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = config.DefaultResponseTimeout
	}
	if c.ReceiveBeforeSendTimeout <= 0 {
		c.ReceiveBeforeSendTimeout = config.DefaultReceiveBeforeSendTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = config.DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = util.NewLogger(0)
	}
}

// Worker is a disposable, single-exchange TCP/TLS sender.
type Worker struct {
	pkt  packet.Packet
	cfg  Config
	bus  *events.Bus
	done chan struct{}

	started atomic.Bool
	err     error
}

// New returns a worker for p.  Nothing happens until Start.
func New(p packet.Packet, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		pkt:  p,
		cfg:  cfg,
		bus:  events.NewBus(),
		done: make(chan struct{}),
	}
}

// Events is the worker's own bus.
func (w *Worker) Events() *events.Bus { return w.bus }

// Done is closed once the worker has finished, successfully or not.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err is the failure, if any.  Only valid after Done is closed.
func (w *Worker) Err() error { return w.err }

// Start runs the exchange in its own goroutine.  Later calls are
// no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		w.err = w.run(ctx)
	}()
}

func (w *Worker) run(ctx context.Context) error {
	conn, sent, err := Connect(ctx, w.pkt, &w.cfg, w.bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := PreSend(ctx, conn, sent, &w.cfg, w.bus); err != nil {
		return err
	}

	if err := Write(conn, sent, &w.cfg, w.bus); err != nil {
		return err
	}

	data, err := ReadFor(conn, w.cfg.ResponseTimeout)
	if len(data) > 0 {
		w.bus.EmitReceived(Inbound(conn, sent, data))
	}
	if err != nil {
		werr := pserr.WrapWorker("read", sent.Destination(), err)
		w.cfg.Logger.Debug("%v", werr)
		return werr
	}
	return nil
}

// ── Steps shared with persistent sessions ────────────────────────────

// Connect resolves and dials the packet's destination.  On failure it
// emits the packet as sent with its Error set, plus a status message.
// On success the returned packet carries the connection's local port.
//
// An unresolvable host is recorded the same way but never dialed:
// unlike a UDP send, a TCP connect to the unspecified address reaches
// the local host.
func Connect(ctx context.Context, p packet.Packet, cfg *Config, bus *events.Bus) (net.Conn, packet.Packet, error) {
	p.FromIP = packet.LocalAddr

	ip := cfg.Resolver.ResolveContext(ctx, p.ToIP)
	if ip == nil || (ip.IsUnspecified() && net.ParseIP(p.ToIP) == nil) {
		err := &pserr.ResolutionError{Host: p.ToIP}
		Fail(p, err, bus)
		return nil, p, err
	}

	host := ip.String()
	if _, zone := resolver.SplitZone(p.ToIP); zone != "" {
		host += "%" + zone
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p.Port))
	cfg.Logger.Verbose("connecting to %s (%s)", addr, p.Transport())

	dctx := transport.WithServerName(ctx, p.ToIP)
	conn, err := cfg.Dialer.Dial(dctx, cfg.Network, addr)
	if err != nil {
		werr := pserr.WrapWorker("connect", addr, err)
		Fail(p, werr, bus)
		return nil, p, werr
	}

	p.FromPort = util.PortOf(conn.LocalAddr())
	if desc := transport.Describe(conn); desc != "" {
		bus.Notify(config.DefaultStatusTimeout, false, fmt.Sprintf("Encrypted with %s", desc))
	}
	return conn, p, nil
}

// PreSend performs the optional read-before-send and the optional
// delay after connecting.
func PreSend(ctx context.Context, conn net.Conn, p packet.Packet, cfg *Config, bus *events.Bus) error {
	if p.ReceiveBeforeSend {
		data, err := ReadFor(conn, cfg.ReceiveBeforeSendTimeout)
		if len(data) > 0 {
			bus.EmitReceived(Inbound(conn, p, data))
		}
		if err != nil {
			werr := pserr.WrapWorker("read", p.Destination(), err)
			Fail(p, werr, bus)
			return werr
		}
	}

	if p.DelayAfterConnect > 0 {
		t := time.NewTimer(p.DelayAfterConnect)
		defer t.Stop()
		select {
		case <-ctx.Done():
			Fail(p, ctx.Err(), bus)
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Write sends p's payload on conn and emits it as sent.  A peer that
// stops reading fails the write after cfg.WriteTimeout.
func Write(conn net.Conn, p packet.Packet, cfg *Config, bus *events.Bus) error {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	// Tunnelled connections do not support deadlines.
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{}) //nolint:errcheck

	p.Stamp(time.Now())
	if _, err := conn.Write(p.Bytes()); err != nil {
		werr := pserr.WrapWorker("write", p.Destination(), err)
		Fail(p, werr, bus)
		return werr
	}
	bus.EmitSent(p)
	return nil
}

// Fail emits p as sent with err recorded, plus a status message.
func Fail(p packet.Packet, err error, bus *events.Bus) {
	p.Stamp(time.Now())
	p.Error = err.Error()
	bus.EmitSent(p)
	bus.Notify(config.DefaultStatusTimeout, true, statusText(p, err))
}

func statusText(p packet.Packet, err error) string {
	var re *pserr.ResolutionError
	switch {
	case errors.As(err, &re):
		return fmt.Sprintf("Could not resolve %s", re.Host)
	case pserr.IsTimeout(err):
		return fmt.Sprintf("Timed out talking to %s", p.Destination())
	}
	return fmt.Sprintf("%s %s failed: %v", p.Transport(), p.Destination(), err)
}

// Inbound builds the received packet for data read on conn in reply
// to p.
func Inbound(conn net.Conn, p packet.Packet, data []byte) packet.Packet {
	in := packet.Packet{
		Protocol: p.Protocol,
		TLS:      p.TLS,
		FromIP:   util.HostOf(conn.RemoteAddr(), true),
		FromPort: util.PortOf(conn.RemoteAddr()),
		ToIP:     packet.LocalAddr,
		Port:     util.PortOf(conn.LocalAddr()),
	}
	in.SetBytes(data)
	in.Stamp(time.Now())
	return in
}

// ReadFor collects everything conn delivers until the peer closes or
// timeout passes without new data.  Running out of time or the peer
// closing is not an error.
func ReadFor(conn net.Conn, timeout time.Duration) ([]byte, error) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	var out []byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return out, err
		}
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		switch {
		case err == nil:
			continue
		case pserr.IsTimeout(err), util.IsClosed(err):
			_ = conn.SetReadDeadline(time.Time{})
			return out, nil
		default:
			return out, err
		}
	}
}
