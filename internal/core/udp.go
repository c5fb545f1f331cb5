package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"packetsender/config"
	pserr "packetsender/internal/errors"
	"packetsender/internal/events"
	"packetsender/internal/resolver"
	"packetsender/internal/worker"
	"packetsender/packet"
	"packetsender/util"
)

// drainWindow is how long Drain waits for one more datagram before
// deciding the queue is empty.
const drainWindow = time.Millisecond

// UDPHandler owns the engine's single UDP endpoint.  It reads inbound
// datagrams, answers them, and writes outbound UDP packets.  All writes
// on the endpoint go through writeMu.
type UDPHandler struct {
	conn   *net.UDPConn
	port   int
	unmap  bool
	res    worker.Resolver
	reply  *Responder
	bus    *events.Bus
	logger *util.Logger

	writeMu sync.Mutex
}

// NewUDPHandler wraps a bound endpoint.  In IPv4 mode (v6 false)
// IPv4-mapped sender addresses are reported in dotted form.
func NewUDPHandler(conn *net.UDPConn, v6 bool, res worker.Resolver, reply *Responder, logger *util.Logger) *UDPHandler {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &UDPHandler{
		conn:   conn,
		port:   util.PortOf(conn.LocalAddr()),
		unmap:  !v6,
		res:    res,
		reply:  reply,
		bus:    events.NewBus(),
		logger: logger.With("udp"),
	}
}

func (h *UDPHandler) Port() int           { return h.port }
func (h *UDPHandler) Events() *events.Bus { return h.bus }
func (h *UDPHandler) Close() error        { return h.conn.Close() }

// Serve handles inbound datagrams until ctx ends or the endpoint is
// closed.
func (h *UDPHandler) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { h.conn.Close() })
	defer stop()

	h.logger.Verbose("listening on %s (udp)", h.conn.LocalAddr())
	for {
		n, err := h.Drain(ctx)
		if n > 1 {
			h.logger.Debug("drained %d datagrams", n)
		}
		if err != nil {
			if ctx.Err() != nil || util.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
	}
}

// Drain blocks for one datagram, then handles every datagram already
// queued behind it.  It returns how many it handled.
func (h *UDPHandler) Drain(ctx context.Context) (int, error) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	if err := h.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	n, from, err := h.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, err
	}
	h.handle(ctx, buf[:n], from)

	count := 1
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return count, err
		}
		n, from, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if pserr.IsTimeout(err) {
				return count, nil
			}
			return count, err
		}
		h.handle(ctx, buf[:n], from)
		count++
	}
}

// handle reports one datagram and sends the automatic reply, if any.
func (h *UDPHandler) handle(ctx context.Context, data []byte, from *net.UDPAddr) {
	in := packet.Packet{
		Protocol: packet.UDP,
		FromIP:   h.host(from.IP),
		FromPort: from.Port,
		ToIP:     packet.LocalAddr,
		Port:     h.port,
	}
	in.SetBytes(data)
	in.Stamp(time.Now())
	h.bus.EmitReceived(in)

	body, ok := h.reply.Reply(data)
	if !ok {
		return
	}

	out := packet.Packet{
		Protocol: packet.UDP,
		FromIP:   packet.LocalResponseAddr,
		FromPort: h.port,
		ToIP:     in.FromIP,
		Port:     in.FromPort,
	}
	out.SetBytes(body)

	dst := &net.UDPAddr{IP: h.res.ResolveContext(ctx, in.FromIP), Port: from.Port, Zone: from.Zone}
	out.Stamp(time.Now())
	if err := h.write(body, dst); err != nil {
		out.Error = err.Error()
		h.bus.Notify(config.DefaultStatusTimeout, true, fmt.Sprintf("Reply to %s failed: %v", out.Destination(), err))
	}
	h.bus.EmitSent(out)
}

// Send writes an outbound UDP packet on the shared endpoint.  A host
// that does not resolve still gets a write to the unspecified address.
func (h *UDPHandler) Send(ctx context.Context, p packet.Packet) {
	p.FromIP = packet.LocalAddr
	p.FromPort = h.port

	ip := h.res.ResolveContext(ctx, p.ToIP)
	if resolver.IsUnspecified(ip) && net.ParseIP(p.ToIP) == nil {
		h.bus.Notify(config.DefaultStatusTimeout, true, fmt.Sprintf("Could not resolve %s", p.ToIP))
		if ip == nil {
			ip = net.IPv4zero
		}
	}

	_, zone := resolver.SplitZone(p.ToIP)
	p.Stamp(time.Now())
	if err := h.write(p.Bytes(), &net.UDPAddr{IP: ip, Port: p.Port, Zone: zone}); err != nil {
		p.Error = err.Error()
		h.bus.Notify(config.DefaultStatusTimeout, true, fmt.Sprintf("UDP %s failed: %v", p.Destination(), err))
	}
	h.bus.EmitSent(p)
}

func (h *UDPHandler) write(b []byte, dst *net.UDPAddr) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.conn.WriteToUDP(b, dst)
	return err
}

func (h *UDPHandler) host(ip net.IP) string {
	if h.unmap {
		return util.UnmapIPv4(ip)
	}
	return ip.String()
}
