package transport

import (
	"errors"

	"packetsender/config"
	"packetsender/tunnel"
	"packetsender/util"
)

// Dialers is the pair of outbound dialers built from one configuration
// snapshot.  Both share the SSH gateway when one is configured.
type Dialers struct {
	TCP Dialer
	TLS Dialer
}

// NewDialers builds the TCP and TLS dialers for cfg.  promptPass asks
// for the gateway password interactively.
func NewDialers(cfg *config.Engine, promptPass bool, logger *util.Logger) *Dialers {
	var base Dialer = &TCPDialer{Timeout: cfg.ConnectTimeout}

	if cfg.TunnelHost != "" {
		base = NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    promptPass,
			UseAgent:      cfg.SSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHosts,
			ConnTimeout:   cfg.ConnectTimeout,
		}, logger)
	}

	return &Dialers{
		TCP: base,
		TLS: &TLSDialer{
			Base:             nopCloser{base},
			Insecure:         cfg.IgnoreSSLErrors,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
}

// For picks the dialer for a TCP packet.
func (d *Dialers) For(tls bool) Dialer {
	if tls {
		return d.TLS
	}
	return d.TCP
}

// Close releases the shared gateway.
func (d *Dialers) Close() error {
	var errs []error
	for _, dl := range []Dialer{d.TCP, d.TLS} {
		if dl != nil {
			errs = append(errs, dl.Close())
		}
	}
	return errors.Join(errs...)
}

// nopCloser keeps the TLS dialer from closing the shared base twice.
type nopCloser struct{ Dialer }

func (nopCloser) Close() error { return nil }
