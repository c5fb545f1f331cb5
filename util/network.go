package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// UnmapIPv4 renders ip as text, turning an IPv4-mapped IPv6 address
// (::ffff:a.b.c.d) back into plain dotted IPv4.
func UnmapIPv4(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// PortOf extracts the port from a net.Addr, or 0.
func PortOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	case nil:
		return 0
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// HostOf extracts the host part of a net.Addr, unmapping IPv4 when
// unmap is set.
func HostOf(addr net.Addr, unmap bool) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if unmap {
			return UnmapIPv4(a.IP)
		}
		return a.IP.String()
	case *net.TCPAddr:
		if unmap {
			return UnmapIPv4(a.IP)
		}
		return a.IP.String()
	case nil:
		return ""
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return h
}

// IsClosed reports whether err only says the peer or we closed the
// connection, which ends a read loop without being a failure.
func IsClosed(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
