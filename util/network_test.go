package util

import (
	"io"
	"net"
	"testing"
)

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr("1.2.3.4", 22); got != "1.2.3.4:22" {
		t.Errorf("got %q, want %q", got, "1.2.3.4:22")
	}
	if got := FormatAddr("::1", 443); got != "[::1]:443" {
		t.Errorf("got %q, want %q", got, "[::1]:443")
	}
}

func TestUnmapIPv4(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"::ffff:192.168.1.10", "192.168.1.10"},
		{"10.0.0.1", "10.0.0.1"},
		{"2001:db8::1", "2001:db8::1"},
	}
	for _, tt := range tests {
		if got := UnmapIPv4(net.ParseIP(tt.in)); got != tt.want {
			t.Errorf("UnmapIPv4(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHostAndPortOf(t *testing.T) {
	ua := &net.UDPAddr{IP: net.ParseIP("::ffff:10.1.2.3"), Port: 5000}
	if got := HostOf(ua, true); got != "10.1.2.3" {
		t.Errorf("HostOf unmapped = %q", got)
	}
	if got := HostOf(ua, false); got != "10.1.2.3" && got != "::ffff:10.1.2.3" {
		t.Errorf("HostOf raw = %q", got)
	}
	if got := PortOf(ua); got != 5000 {
		t.Errorf("PortOf = %d", got)
	}
	if got := PortOf(nil); got != 0 {
		t.Errorf("PortOf(nil) = %d", got)
	}
	ta := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80}
	if HostOf(ta, true) != "127.0.0.1" || PortOf(ta) != 80 {
		t.Errorf("TCPAddr parts = %q %d", HostOf(ta, true), PortOf(ta))
	}
}

func TestIsClosed(t *testing.T) {
	if !IsClosed(nil) {
		t.Error("nil should count as closed")
	}
	if !IsClosed(io.EOF) {
		t.Error("io.EOF should count as closed")
	}
	if !IsClosed(net.ErrClosed) {
		t.Error("net.ErrClosed should count as closed")
	}
	if IsClosed(io.ErrUnexpectedEOF) {
		t.Error("ErrUnexpectedEOF should NOT count as closed")
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}
