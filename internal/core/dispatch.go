package core

import (
	"context"
	"fmt"
	"sync"

	"packetsender/config"
	pserr "packetsender/internal/errors"
	"packetsender/internal/events"
	"packetsender/internal/metrics"
	"packetsender/internal/session"
	"packetsender/internal/transport"
	"packetsender/internal/worker"
	"packetsender/packet"
	"packetsender/util"
)

// Dispatcher routes outbound packets: UDP straight onto the shared
// endpoint, TCP and TLS to a new worker or persistent session.  It is
// the single place that decides how a packet leaves the engine.
type Dispatcher struct {
	cfg      *config.Engine
	udp      *UDPHandler
	res      worker.Resolver
	dialers  *transport.Dialers
	registry *Registry
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *util.Logger

	newWorker  func(p packet.Packet, cfg worker.Config) Worker
	newSession func(p packet.Packet, cfg worker.Config, attempts int) Worker

	// Workers started by this dispatcher; the dialers stay open until
	// the last one finishes after Close.
	mu      sync.Mutex
	live    int
	closed  bool
	drained chan struct{}
}

// NewDispatcher wires a dispatcher for one configuration snapshot.
// udp may be nil when the endpoint failed to bind.
func NewDispatcher(cfg *config.Engine, udp *UDPHandler, res worker.Resolver, dialers *transport.Dialers,
	reg *Registry, bus *events.Bus, mc *metrics.Collector, logger *util.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		udp:      udp,
		res:      res,
		dialers:  dialers,
		registry: reg,
		bus:      bus,
		metrics:  mc,
		logger:   logger.With("dispatch"),
		newWorker: func(p packet.Packet, c worker.Config) Worker {
			return worker.New(p, c)
		},
		newSession: func(p packet.Packet, c worker.Config, attempts int) Worker {
			return session.New(p, c, attempts)
		},
		drained: make(chan struct{}),
	}
}

// Send dispatches p and returns the handle of the worker or session
// created for it, or "" for UDP.
func (d *Dispatcher) Send(p packet.Packet) (Handle, error) {
	p.ReceiveBeforeSend = d.cfg.ReceiveBeforeSend
	p.DelayAfterConnect = d.cfg.DelayAfterConnect
	p.Persistent = d.cfg.PersistentConnect

	if err := p.Validate(); err != nil {
		d.logger.Warn("%v", err)
		d.bus.Notify(config.DefaultStatusTimeout, true, err.Error())
		return "", err
	}

	if p.IsUDP() {
		if d.udp == nil {
			err := fmt.Errorf("UDP endpoint is not bound: %w", pserr.ErrNotConnected)
			p.FromIP = packet.LocalAddr
			worker.Fail(p, err, d.bus)
			return "", err
		}
		d.logger.Debug("udp send to %s", p.Destination())
		d.udp.Send(context.Background(), p)
		return "", nil
	}

	wcfg := worker.Config{
		Dialer:          d.dialers.For(p.TLS),
		Resolver:        d.res,
		Network:         d.cfg.IPMode.Network("tcp"),
		ResponseTimeout: d.cfg.ResponseTimeout,
		WriteTimeout:    d.cfg.ConnectTimeout,
		Logger:          d.logger,
	}

	if !d.acquire() {
		d.bus.Notify(config.DefaultStatusTimeout, true, pserr.ErrEngineStopped.Error())
		return "", pserr.ErrEngineStopped
	}

	var w Worker
	if p.Persistent {
		w = d.newSession(p, wcfg, d.cfg.SessionRetries)
	} else {
		w = d.newWorker(p, wcfg)
	}

	h := d.registry.Add(w)
	unsub := events.Forward(w.Events(), d.bus)
	d.metrics.WorkerStarted()
	d.registry.Watch(h, w, unsub, d.metrics.WorkerDone, d.release)

	d.logger.Debug("%s worker %s for %s", p.Transport(), h, p.Destination())
	w.Start(context.Background())
	return h, nil
}

// Close stops the dispatcher taking new TCP packets.  Its dialers are
// closed once every worker and session it started has finished; running
// ones are not interrupted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.live == 0 {
		close(d.drained)
	}
	go func() {
		<-d.drained
		if d.dialers != nil {
			if err := d.dialers.Close(); err != nil {
				d.logger.Debug("close dialers: %v", err)
			}
		}
	}()
}

// Drained is closed once Close has been called and every worker has
// finished.
func (d *Dispatcher) Drained() <-chan struct{} { return d.drained }

func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.live++
	return true
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live--
	if d.closed && d.live == 0 {
		close(d.drained)
	}
}
