package cmd

import (
	"fmt"
	"io"
	"sync"

	"packetsender/internal/events"
	"packetsender/packet"
)

// printer renders engine events as one line each: traffic to out,
// status messages to errOut.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer

	failed []string
}

func (p *printer) PacketReceived(pkt packet.Packet) { p.line("<-", pkt) }
func (p *printer) PacketSent(pkt packet.Packet)     { p.line("->", pkt) }

func (p *printer) Status(s events.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.errOut, "* %s\n", s.Text)
}

func (p *printer) line(dir string, pkt packet.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pkt.Error != "" {
		p.failed = append(p.failed, pkt.Error)
		fmt.Fprintf(p.out, "%s %s %s %s:%d > %s:%d error: %s\n", pkt.Name, dir, pkt.Transport(),
			pkt.FromIP, pkt.FromPort, pkt.ToIP, pkt.Port, pkt.Error)
		return
	}
	fmt.Fprintf(p.out, "%s %s %s %s:%d > %s:%d [%d] %s | %s\n", pkt.Name, dir, pkt.Transport(),
		pkt.FromIP, pkt.FromPort, pkt.ToIP, pkt.Port, len(pkt.Hex)/2, pkt.Hex, pkt.ASCII())
}

// failures returns the errors of every failed send so far.
func (p *printer) failures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.failed...)
}
