// Package config builds the immutable engine configuration snapshot
// from a layered settings store (file, environment, CLI flags).
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	pserr "packetsender/internal/errors"
	"packetsender/packet"
)

// IPMode selects the address family for binding.
type IPMode int

const (
	IPv4 IPMode = 4
	IPv6 IPMode = 6
)

// Network returns the Go network name for the given base ("udp" or
// "tcp").  IPv6 mode binds dual-stack.
func (m IPMode) Network(base string) string {
	if m == IPv6 {
		return base
	}
	return base + "4"
}

// Wildcard is the any-address for the mode.
func (m IPMode) Wildcard() string {
	if m == IPv6 {
		return "::"
	}
	return "0.0.0.0"
}

// Engine is the configuration snapshot taken at initialisation.  It is
// never modified after Snapshot returns; a new snapshot is built on
// every re-initialisation.
type Engine struct {
	// ── Transports ───────────────────────────────────────────────────
	UDPPort    int
	TCPPort    int
	SSLPort    int
	UDPEnabled bool
	TCPEnabled bool
	SSLEnabled bool
	IPMode     IPMode

	// ── Auto response ────────────────────────────────────────────────
	SendResponse         bool
	ResponseHex          string
	SmartResponseEnabled bool
	SmartRules           packet.SmartRules
	ReplyRateLimit       float64 // replies per second, 0 = unlimited
	ReplyBurst           int

	// ── Outbound behaviour ───────────────────────────────────────────
	ReceiveBeforeSend bool
	PersistentConnect bool
	DelayAfterConnect time.Duration
	ResponseTimeout   time.Duration
	ConnectTimeout    time.Duration
	SessionRetries    int

	// ── TLS ──────────────────────────────────────────────────────────
	IgnoreSSLErrors bool
	SSLCertFile     string
	SSLKeyFile      string

	// ── SSH gateway for outbound TCP ─────────────────────────────────
	Tunnel        string // raw [user@]host[:port]; empty disables
	TunnelUser    string
	TunnelHost    string
	TunnelPort    int
	SSHKeyPath    string
	SSHAgent      bool
	StrictHostKey bool
	KnownHosts    string
}

// Settings keys.
const (
	KeyUDPPort           = "udpPort"
	KeyTCPPort           = "tcpPort"
	KeySSLPort           = "sslPort"
	KeyIPMode            = "ipMode"
	KeySendResponse      = "sendResponse"
	KeyResponseHex       = "responseHex"
	KeyUDPServerEnable   = "udpServerEnable"
	KeyTCPServerEnable   = "tcpServerEnable"
	KeySSLServerEnable   = "sslServerEnable"
	KeyAttemptReceive    = "attemptReceiveCheck"
	KeyPersistentConnect = "persistentConnectCheck"
	KeySmartResponse     = "smartResponseEnableCheck"
	KeyDelayAfterConnect = "delayAfterConnectCheck"

	KeyResponseTimeout = "responseTimeoutMs"
	KeyConnectTimeout  = "connectTimeoutMs"
	KeyIgnoreSSL       = "ignoreSSLCheck"
	KeySSLCertFile     = "sslCertFile"
	KeySSLKeyFile      = "sslKeyFile"
	KeyReplyRateLimit  = "replyRateLimit"
	KeyReplyBurst      = "replyBurst"
	KeySessionRetries  = "sessionRetries"
	KeySSHTunnel       = "sshTunnel"
	KeySSHKeyFile      = "sshKeyFile"
	KeySSHAgent        = "sshAgent"
	KeySSHStrictHost   = "sshStrictHostKey"
	KeySSHKnownHosts   = "sshKnownHosts"
)

// SmartKeys returns the four settings keys of smart-response slot n
// (1-based).
func SmartKeys(n int) (enable, ifEqual, reply, encoding string) {
	s := strconv.Itoa(n)
	return "responseEnable" + s, "responseIfEqual" + s, "responseReply" + s, "responseEncoding" + s
}

// Snapshot reads every engine setting from st and validates it.
func Snapshot(st Store) (*Engine, error) {
	r := reader{st: st}

	cfg := &Engine{
		UDPPort:    r.port(KeyUDPPort),
		TCPPort:    r.port(KeyTCPPort),
		SSLPort:    r.port(KeySSLPort),
		UDPEnabled: r.boolean(KeyUDPServerEnable, true),
		TCPEnabled: r.boolean(KeyTCPServerEnable, true),
		SSLEnabled: r.boolean(KeySSLServerEnable, true),
		IPMode:     r.ipMode(),

		SendResponse:         r.boolean(KeySendResponse, false),
		ResponseHex:          r.str(KeyResponseHex, ""),
		SmartResponseEnabled: r.boolean(KeySmartResponse, false),
		ReplyRateLimit:       r.float(KeyReplyRateLimit, 0),
		ReplyBurst:           r.integer(KeyReplyBurst, DefaultReplyBurst),

		ReceiveBeforeSend: r.boolean(KeyAttemptReceive, false),
		PersistentConnect: r.boolean(KeyPersistentConnect, false),
		ResponseTimeout:   r.millis(KeyResponseTimeout, DefaultResponseTimeout),
		ConnectTimeout:    r.millis(KeyConnectTimeout, DefaultConnectTimeout),
		SessionRetries:    r.integer(KeySessionRetries, DefaultSessionRetries),

		IgnoreSSLErrors: r.boolean(KeyIgnoreSSL, true),
		SSLCertFile:     r.str(KeySSLCertFile, ""),
		SSLKeyFile:      r.str(KeySSLKeyFile, ""),

		Tunnel:        r.str(KeySSHTunnel, ""),
		SSHKeyPath:    r.str(KeySSHKeyFile, ""),
		SSHAgent:      r.boolean(KeySSHAgent, false),
		StrictHostKey: r.boolean(KeySSHStrictHost, false),
		KnownHosts:    r.str(KeySSHKnownHosts, ""),
	}

	if r.boolean(KeyDelayAfterConnect, false) {
		cfg.DelayAfterConnect = DefaultDelayAfterConnect
	}

	for i := range cfg.SmartRules {
		enable, ifEqual, reply, enc := SmartKeys(i + 1)
		cfg.SmartRules[i] = packet.SmartRule{
			Enabled:   r.boolean(enable, false),
			IfEquals:  r.str(ifEqual, ""),
			ReplyWith: r.str(reply, ""),
			Encoding:  packet.ParseEncoding(r.str(enc, "")),
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	if cfg.Tunnel != "" {
		user, host, port, err := ParseTunnelSpec(cfg.Tunnel)
		if err != nil {
			return nil, &pserr.ConfigError{Key: KeySSHTunnel, Value: cfg.Tunnel, Message: err.Error(),
				Hint: "use [user@]host[:port]"}
		}
		cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort = user, host, port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the snapshot is internally consistent.
func (c *Engine) Validate() error {
	if c.IPMode != IPv4 && c.IPMode != IPv6 {
		return &pserr.ConfigError{Key: KeyIPMode, Value: int(c.IPMode), Message: "must be 4 or 6"}
	}
	if c.SendResponse {
		if _, err := packet.HexToBytes(c.ResponseHex); err != nil {
			return &pserr.ConfigError{Key: KeyResponseHex, Value: c.ResponseHex, Message: "not valid hex",
				Hint: `write bytes as hex, e.g. "48 65 6C 6C 6F"`}
		}
	}
	if c.ReplyRateLimit < 0 {
		return &pserr.ConfigError{Key: KeyReplyRateLimit, Value: c.ReplyRateLimit, Message: "must not be negative"}
	}
	if c.SessionRetries < 1 {
		return &pserr.ConfigError{Key: KeySessionRetries, Value: c.SessionRetries, Message: "must be at least 1"}
	}
	if (c.SSLCertFile == "") != (c.SSLKeyFile == "") {
		return &pserr.ConfigError{Key: KeySSLCertFile, Message: "certificate and key must be set together",
			Hint: "leave both empty to use a generated self-signed certificate"}
	}
	return nil
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(spec string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(spec))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}
