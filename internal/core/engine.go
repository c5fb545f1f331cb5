// Package core is the dispatch and routing layer.  An Engine owns the
// UDP endpoint and the inbound TCP/TLS servers, hands outbound packets
// to the Dispatcher, and republishes every child's events on one bus.
//
// Layers (bottom to top):
//
//	packet, config  →  transport, resolver  →  worker, session  →  core  →  cmd
package core

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"packetsender/config"
	pserr "packetsender/internal/errors"
	"packetsender/internal/events"
	"packetsender/internal/metrics"
	"packetsender/internal/resolver"
	"packetsender/internal/transport"
	"packetsender/packet"
	"packetsender/util"
)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts every event the engine publishes.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithResolverOptions passes options to each resolver the engine
// builds.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(e *Engine) { e.resolverOpts = append(e.resolverOpts, opts...) }
}

// WithListenFunc replaces how inbound servers are opened.
func WithListenFunc(fn ListenFunc) Option {
	return func(e *Engine) { e.listen = fn }
}

// WithPasswordPrompt asks for the SSH gateway password on first use.
func WithPasswordPrompt(on bool) Option {
	return func(e *Engine) { e.promptPass = on }
}

// WithMacros shares a macro expander (and its counter) with the caller.
func WithMacros(m *packet.Macros) Option {
	return func(e *Engine) { e.macros = m }
}

// Engine is the network engine.
type Engine struct {
	logger       *util.Logger
	metrics      *metrics.Collector
	resolverOpts []resolver.Option
	listen       ListenFunc
	promptPass   bool
	macros       *packet.Macros

	bus      *events.Bus
	registry *Registry

	mu         sync.Mutex
	cfg        *config.Engine
	udp        *UDPHandler
	tcp        Listener
	ssl        Listener
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	unsubs     []func()
	serving    sync.WaitGroup
}

// New returns an engine with nothing bound.  Call Initialize.
func New(logger *util.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	e := &Engine{
		logger:   logger.With("engine"),
		listen:   defaultListen,
		macros:   packet.NewMacros(),
		bus:      events.NewBus(),
		registry: NewRegistry(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics != nil {
		e.bus.Subscribe(e.metrics)
	}
	return e
}

func (e *Engine) Events() *events.Bus { return e.bus }
func (e *Engine) Registry() *Registry { return e.registry }

// Config is the snapshot the engine was last initialised with.
func (e *Engine) Config() *config.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Initialize tears down any previous state and brings the engine up
// with cfg.  A transport that fails to bind is reported and left
// disabled; only an invalid cfg is an error.
func (e *Engine) Initialize(ctx context.Context, cfg *config.Engine) error {
	if cfg == nil {
		return &pserr.ConfigError{Key: "engine", Message: "configuration is required"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.Teardown(); err != nil {
		e.logger.Debug("teardown: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	e.cfg = cfg
	e.cancel = cancel

	v6 := cfg.IPMode == config.IPv6
	res := resolver.New(v6, append([]resolver.Option{resolver.WithLogger(e.logger)}, e.resolverOpts...)...)
	reply := NewResponder(cfg, e.macros, e.metrics, e.logger)

	// The endpoint is bound even when the UDP server is off: outbound
	// UDP sends go through it.
	conn, err := net.ListenUDP(cfg.IPMode.Network("udp"), &net.UDPAddr{Port: cfg.UDPPort})
	if err != nil {
		e.bindFailed(&pserr.BindError{Transport: "UDP", Port: cfg.UDPPort, Err: err})
	} else {
		e.udp = NewUDPHandler(conn, v6, res, reply, e.logger)
		e.unsubs = append(e.unsubs, events.Forward(e.udp.Events(), e.bus))
		if cfg.UDPEnabled {
			e.serve("UDP", e.udp.Serve, sctx)
		}
	}

	if cfg.TCPEnabled {
		e.tcp = e.openServer(sctx, ServerConfig{
			Transport: "TCP",
			Network:   cfg.IPMode.Network("tcp"),
			Addr:      net.JoinHostPort("", strconv.Itoa(cfg.TCPPort)),
			Responder: reply,
			Unmap:     !v6,
			Logger:    e.logger,
		}, cfg.TCPPort)
	}

	if cfg.SSLEnabled {
		cert, err := transport.LoadCertificate(cfg.SSLCertFile, cfg.SSLKeyFile)
		if err != nil {
			e.bindFailed(&pserr.BindError{Transport: "SSL", Port: cfg.SSLPort, Err: err})
		} else {
			e.ssl = e.openServer(sctx, ServerConfig{
				Transport: "SSL",
				Network:   cfg.IPMode.Network("tcp"),
				Addr:      net.JoinHostPort("", strconv.Itoa(cfg.SSLPort)),
				TLS:       &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
				Responder: reply,
				Unmap:     !v6,
				Logger:    e.logger,
			}, cfg.SSLPort)
		}
	}

	dialers := transport.NewDialers(cfg, e.promptPass, e.logger)
	e.dispatcher = NewDispatcher(cfg, e.udp, res, dialers, e.registry, e.bus, e.metrics, e.logger)

	e.logger.Info("ready: UDP %d, TCP %d, SSL %d", e.portOf(e.udp), e.portOf(e.tcp), e.portOf(e.ssl))
	return nil
}

func (e *Engine) openServer(ctx context.Context, sc ServerConfig, port int) Listener {
	l, err := e.listen(sc)
	if err != nil {
		e.bindFailed(&pserr.BindError{Transport: sc.Transport, Port: port, Err: err})
		return nil
	}
	e.unsubs = append(e.unsubs, events.Forward(l.Events(), e.bus))
	e.serve(sc.Transport, l.Serve, ctx)
	return l
}

func (e *Engine) serve(name string, fn func(context.Context) error, ctx context.Context) {
	e.serving.Add(1)
	go func() {
		defer e.serving.Done()
		if err := fn(ctx); err != nil {
			e.logger.Error("%s server: %v", name, err)
			e.bus.Notify(config.DefaultStatusTimeout, true, name+" server stopped: "+err.Error())
		}
	}()
}

func (e *Engine) bindFailed(err *pserr.BindError) {
	e.metrics.BindFailed()
	e.metrics.RecordError(err.Error())
	e.logger.Warn("%s", err.Warning())
	e.bus.Notify(config.DefaultStatusTimeout, true, err.Warning())
}

// Teardown closes the endpoint and servers.  Running workers and
// sessions are left alone.  It is safe to call more than once.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	var errs []error
	if e.udp != nil {
		errs = append(errs, e.udp.Close())
		e.udp = nil
	}
	if e.tcp != nil {
		errs = append(errs, e.tcp.Close())
		e.tcp = nil
	}
	if e.ssl != nil {
		errs = append(errs, e.ssl.Close())
		e.ssl = nil
	}
	e.serving.Wait()

	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil

	if e.dispatcher != nil {
		e.dispatcher.Close()
		e.dispatcher = nil
	}
	return pserr.Join(dropClosed(errs)...)
}

// Send hands p to the dispatcher.
func (e *Engine) Send(p packet.Packet) (Handle, error) {
	e.mu.Lock()
	d := e.dispatcher
	e.mu.Unlock()
	if d == nil {
		e.bus.Notify(config.DefaultStatusTimeout, true, pserr.ErrEngineStopped.Error())
		return "", pserr.ErrEngineStopped
	}
	return d.Send(p)
}

func (e *Engine) UDPPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.udp == nil || !e.cfg.UDPEnabled {
		return 0
	}
	return e.udp.Port()
}

func (e *Engine) TCPPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portOf(e.tcp)
}

func (e *Engine) SSLPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portOf(e.ssl)
}

// OutboundUDPPort is the endpoint's port even when the UDP server is
// off.
func (e *Engine) OutboundUDPPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portOf(e.udp)
}

type porter interface{ Port() int }

func (e *Engine) portOf(p porter) int {
	switch v := p.(type) {
	case nil:
		return 0
	case *UDPHandler:
		if v == nil {
			return 0
		}
	}
	return p.Port()
}

func dropClosed(errs []error) []error {
	out := errs[:0]
	for _, err := range errs {
		if err != nil && !util.IsClosed(err) {
			out = append(out, err)
		}
	}
	return out
}
