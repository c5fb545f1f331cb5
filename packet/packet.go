// Package packet defines the Packet value that flows through the
// engine, together with its hex/ASCII projections, macro expansion,
// and the smart-response rule matcher.
package packet

import (
	"fmt"
	"net"
	"strconv"
	"time"

	pserr "packetsender/internal/errors"
)

// Protocol is the transport family a packet travels on.  TLS is not a
// protocol of its own; it is the TLS flag on a TCP packet.
type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// ParseProtocol accepts "tcp", "udp", "ssl" and "tls" in any case.
// The returned bool reports whether the transport is TLS.
func ParseProtocol(s string) (Protocol, bool, error) {
	switch s {
	case "tcp", "TCP":
		return TCP, false, nil
	case "udp", "UDP":
		return UDP, false, nil
	case "ssl", "SSL", "tls", "TLS":
		return TCP, true, nil
	}
	return "", false, fmt.Errorf("%w: unknown protocol %q", pserr.ErrInvalidPacket, s)
}

// NameFormat is the layout used to derive a packet's display name from
// its timestamp.
const NameFormat = "2006-01-02 15:04:05.000"

// Address tags used in place of a real address for the local side.
const (
	LocalAddr         = "local"
	LocalResponseAddr = "local (response)"
)

// Packet is one observed or to-be-sent message.
type Packet struct {
	Timestamp time.Time
	Name      string

	Protocol Protocol
	TLS      bool

	FromIP   string
	FromPort int
	ToIP     string
	Port     int

	// Hex is the canonical payload: uppercase hex digits, no separators.
	Hex string

	ReceiveBeforeSend bool
	DelayAfterConnect time.Duration
	Persistent        bool

	// Error is set when the attempt this packet records did not succeed.
	Error string
}

// New returns a stamped packet addressed to host:port.
func New(proto Protocol, host string, port int, payload []byte) Packet {
	p := Packet{Protocol: proto, ToIP: host, Port: port}
	p.SetBytes(payload)
	p.Stamp(time.Now())
	return p
}

// Stamp sets the timestamp and the name derived from it.
func (p *Packet) Stamp(now time.Time) {
	p.Timestamp = now
	p.Name = now.Format(NameFormat)
}

func (p Packet) IsTCP() bool { return p.Protocol == TCP }
func (p Packet) IsUDP() bool { return p.Protocol == UDP }

// Transport names the wire transport: "TCP", "TLS" or "UDP".
func (p Packet) Transport() string {
	if p.IsTCP() && p.TLS {
		return "TLS"
	}
	return string(p.Protocol)
}

// Bytes decodes the hex payload.  Malformed hex yields nil.
func (p Packet) Bytes() []byte {
	b, err := HexToBytes(p.Hex)
	if err != nil {
		return nil
	}
	return b
}

// SetBytes replaces the payload.
func (p *Packet) SetBytes(b []byte) { p.Hex = BytesToHex(b) }

// ASCII is the escaped text projection of the payload.
func (p Packet) ASCII() string { return BytesToASCII(p.Bytes()) }

// SetASCII replaces the payload from its escaped text projection.
func (p *Packet) SetASCII(s string) { p.SetBytes(ASCIIToBytes(s)) }

// Destination is the host:port the packet is addressed to.
func (p Packet) Destination() string {
	return net.JoinHostPort(p.ToIP, strconv.Itoa(p.Port))
}

// Validate checks that the packet can be dispatched.
func (p Packet) Validate() error {
	switch p.Protocol {
	case TCP:
	case UDP:
		if p.TLS {
			return fmt.Errorf("%w: TLS over UDP", pserr.ErrInvalidPacket)
		}
	default:
		return fmt.Errorf("%w: protocol %q", pserr.ErrInvalidPacket, p.Protocol)
	}
	if p.ToIP == "" {
		return fmt.Errorf("%w: destination address required", pserr.ErrInvalidPacket)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", pserr.ErrInvalidPacket, p.Port)
	}
	if _, err := HexToBytes(p.Hex); err != nil {
		return fmt.Errorf("%w: %v", pserr.ErrInvalidPacket, err)
	}
	return nil
}

func (p Packet) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d (%d bytes)",
		p.Transport(), p.FromIP, p.FromPort, p.ToIP, p.Port, len(p.Hex)/2)
}
