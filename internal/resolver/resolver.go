// Package resolver turns a destination host into an IP address at send
// time.  It never fails: an address that cannot be resolved comes back
// as the unspecified address of the engine's IP mode.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"packetsender/util"
)

// DefaultTimeout bounds one complete resolution.
const DefaultTimeout = 5 * time.Second

// ResolvConf is where the DNS servers are read from.
const ResolvConf = "/etc/resolv.conf"

var errNoAnswer = errors.New("no usable answer")

// LookupFunc is the system resolver fallback.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Resolver looks hosts up with miekg/dns against the configured name
// servers and falls back to the system resolver (which also covers
// /etc/hosts).  Nothing is cached between calls.
type Resolver struct {
	v6      bool
	timeout time.Duration
	client  *dns.Client
	logger  *util.Logger

	configOnce sync.Once
	config     *dns.ClientConfig
	loadConfig func() (*dns.ClientConfig, error)

	lookup LookupFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithClientConfig replaces the resolv.conf servers.  A nil config or
// one without servers sends every lookup to the system resolver.
func WithClientConfig(cfg *dns.ClientConfig) Option {
	return func(r *Resolver) {
		r.loadConfig = func() (*dns.ClientConfig, error) { return cfg, nil }
	}
}

// WithLookup replaces the system resolver fallback.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithLogger sets the logger used for lookup diagnostics.
func WithLogger(l *util.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a Resolver for IPv4 mode, or IPv6 mode when v6 is set.
func New(v6 bool, opts ...Option) *Resolver {
	r := &Resolver{
		v6:      v6,
		timeout: DefaultTimeout,
		loadConfig: func() (*dns.ClientConfig, error) {
			return dns.ClientConfigFromFile(ResolvConf)
		},
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = util.NewLogger(0)
	}
	r.client = &dns.Client{Timeout: r.timeout, UDPSize: dns.DefaultMsgSize}
	return r
}

// Unspecified returns 0.0.0.0, or :: when v6 is set.
func Unspecified(v6 bool) net.IP {
	if v6 {
		return net.IPv6unspecified
	}
	return net.IPv4zero
}

// IsUnspecified reports whether ip is the resolution-failure value.
func IsUnspecified(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

// Unspecified is the failure value for this resolver's mode.
func (r *Resolver) Unspecified() net.IP { return Unspecified(r.v6) }

// Resolve blocks until host is resolved or DefaultTimeout expires.
func (r *Resolver) Resolve(host string) net.IP {
	return r.ResolveContext(context.Background(), host)
}

// SplitZone separates the zone of a scoped IPv6 literal such as
// "fe80::1%eth0".  Brackets and surrounding space are dropped.
func SplitZone(host string) (addr, zone string) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if i := strings.LastIndexByte(host, '%'); i >= 0 && net.ParseIP(host[:i]) != nil {
		return host[:i], host[i+1:]
	}
	return host, ""
}

// ResolveContext returns a literal IPv4/IPv6 address unchanged without
// any lookup.  The zone of a scoped literal is not part of the result;
// callers take it from SplitZone.  Otherwise it returns the first
// address found, or the unspecified address.
func (r *Resolver) ResolveContext(ctx context.Context, host string) net.IP {
	host, _ = SplitZone(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if host == "" {
		return r.Unspecified()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ip, err := r.exchange(ctx, host)
	if err == nil {
		r.logger.Debug("resolved %s -> %s", host, ip)
		return ip
	}
	r.logger.Debug("dns lookup %s: %v", host, err)

	ip, err = r.system(ctx, host)
	if err != nil {
		r.logger.Debug("system lookup %s: %v", host, err)
		return r.Unspecified()
	}
	r.logger.Debug("resolved %s -> %s (system)", host, ip)
	return ip
}

func (r *Resolver) clientConfig() *dns.ClientConfig {
	r.configOnce.Do(func() {
		cfg, err := r.loadConfig()
		if err != nil {
			r.logger.Debug("no resolver config: %v", err)
			return
		}
		r.config = cfg
	})
	return r.config
}

// exchange queries A (and AAAA in IPv6 mode) for every search-list
// candidate of host.
func (r *Resolver) exchange(ctx context.Context, host string) (net.IP, error) {
	cfg := r.clientConfig()
	if cfg == nil || len(cfg.Servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	qtypes := []uint16{dns.TypeA}
	if r.v6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	var lastErr error = errNoAnswer
	for _, name := range cfg.NameList(host) {
		for _, qt := range qtypes {
			ip, err := r.query(ctx, cfg, name, qt)
			if err == nil {
				return ip, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (r *Resolver) query(ctx context.Context, cfg *dns.ClientConfig, name string, qtype uint16) (net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	port := cfg.Port
	if port == "" {
		port = "53"
	}

	var lastErr error
	for _, server := range cfg.Servers {
		if server == "" {
			continue
		}
		resp, _, err := r.client.ExchangeContext(ctx, msg, net.JoinHostPort(server, port))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				if qtype == dns.TypeA {
					return a.A, nil
				}
			case *dns.AAAA:
				if qtype == dns.TypeAAAA {
					return a.AAAA, nil
				}
			}
		}
		return nil, errNoAnswer
	}
	if lastErr == nil {
		lastErr = errNoAnswer
	}
	return nil, lastErr
}

func (r *Resolver) system(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if r.v6 || ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, errNoAnswer
}
