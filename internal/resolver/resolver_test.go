package resolver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startDNS runs an in-process name server that knows a few .test names.
func startDNS(t *testing.T) *dns.ClientConfig {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
		switch {
		case q.Name == "host.test." && q.Qtype == dns.TypeA:
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("10.1.2.3").To4()})
		case q.Name == "v6only.test." && q.Qtype == dns.TypeAAAA:
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("fd00::1")})
		case q.Name == "v6only.test.":
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	port := pc.LocalAddr().(*net.UDPAddr).Port
	return &dns.ClientConfig{Servers: []string{"127.0.0.1"}, Port: strconv.Itoa(port), Ndots: 1}
}

func failLookup(context.Context, string) ([]net.IP, error) {
	return nil, errors.New("no such host")
}

func TestResolve_Literal(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "127.0.0.1"},
		{"192.168.1.20", "192.168.1.20"},
		{"::1", "::1"},
		{"fe80::1", "fe80::1"},
		{"[2001:db8::5]", "2001:db8::5"},
		{"fe80::1%lo", "fe80::1"},
		{"[fe80::2%eth0]", "fe80::2"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			called := false
			r := New(true,
				WithClientConfig(nil),
				WithLookup(func(context.Context, string) ([]net.IP, error) {
					called = true
					return nil, nil
				}),
			)
			if got := r.Resolve(tt.host); !got.Equal(net.ParseIP(tt.want)) {
				t.Errorf("Resolve(%q) = %v, want %s", tt.host, got, tt.want)
			}
			if called {
				t.Error("literal address should not be looked up")
			}
		})
	}
}

func TestSplitZone(t *testing.T) {
	tests := []struct {
		host, addr, zone string
	}{
		{"fe80::1%lo", "fe80::1", "lo"},
		{"[fe80::1%eth0]", "fe80::1", "eth0"},
		{"::1", "::1", ""},
		{"10.0.0.1", "10.0.0.1", ""},
		{"example.com", "example.com", ""},
		{"odd%name", "odd%name", ""},
	}
	for _, tt := range tests {
		addr, zone := SplitZone(tt.host)
		if addr != tt.addr || zone != tt.zone {
			t.Errorf("SplitZone(%q) = %q, %q; want %q, %q", tt.host, addr, zone, tt.addr, tt.zone)
		}
	}
}

func TestResolve_DNS(t *testing.T) {
	cfg := startDNS(t)
	r := New(false, WithClientConfig(cfg), WithLookup(failLookup), WithTimeout(2*time.Second))

	if got := r.Resolve("host.test"); !got.Equal(net.ParseIP("10.1.2.3")) {
		t.Errorf("host.test = %v", got)
	}
}

func TestResolve_AAAAOnlyInV6Mode(t *testing.T) {
	cfg := startDNS(t)

	v4 := New(false, WithClientConfig(cfg), WithLookup(failLookup), WithTimeout(2*time.Second))
	if got := v4.Resolve("v6only.test"); !got.Equal(net.IPv4zero) {
		t.Errorf("v4 mode: got %v, want 0.0.0.0", got)
	}

	v6 := New(true, WithClientConfig(cfg), WithLookup(failLookup), WithTimeout(2*time.Second))
	if got := v6.Resolve("v6only.test"); !got.Equal(net.ParseIP("fd00::1")) {
		t.Errorf("v6 mode: got %v, want fd00::1", got)
	}
}

func TestResolve_Unresolvable(t *testing.T) {
	cfg := startDNS(t)

	tests := []struct {
		name string
		v6   bool
		want net.IP
	}{
		{"v4", false, net.IPv4zero},
		{"v6", true, net.IPv6unspecified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.v6, WithClientConfig(cfg), WithLookup(failLookup), WithTimeout(2*time.Second))
			got := r.Resolve("nowhere.invalid")
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if !IsUnspecified(got) {
				t.Error("IsUnspecified should report the failure value")
			}
		})
	}
}

func TestResolve_SystemFallback(t *testing.T) {
	r := New(false,
		WithClientConfig(&dns.ClientConfig{}),
		WithLookup(func(_ context.Context, host string) ([]net.IP, error) {
			if host != "printer.lan" {
				return nil, errors.New("unexpected host")
			}
			return []net.IP{net.ParseIP("fd00::9"), net.ParseIP("10.0.0.9")}, nil
		}),
	)
	// v4 mode skips the IPv6 answer.
	if got := r.Resolve("printer.lan"); !got.Equal(net.ParseIP("10.0.0.9")) {
		t.Errorf("got %v", got)
	}
}

func TestResolve_EmptyHost(t *testing.T) {
	r := New(false, WithClientConfig(nil), WithLookup(failLookup))
	if got := r.Resolve(""); !IsUnspecified(got) {
		t.Errorf("got %v", got)
	}
}

func TestIsUnspecified(t *testing.T) {
	if !IsUnspecified(nil) || !IsUnspecified(net.IPv4zero) || !IsUnspecified(net.IPv6unspecified) {
		t.Error("unspecified values not detected")
	}
	if IsUnspecified(net.ParseIP("127.0.0.1")) {
		t.Error("loopback is not unspecified")
	}
}
