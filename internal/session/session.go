// Package session keeps one outbound TCP or TLS connection open for as
// long as the caller wants it.  The first packet is sent on connect;
// later packets go out on the same socket through Send, and everything
// the peer writes is reported as it arrives.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"packetsender/config"
	pserr "packetsender/internal/errors"
	"packetsender/internal/events"
	"packetsender/internal/retry"
	"packetsender/internal/transport"
	"packetsender/internal/worker"
	"packetsender/packet"
	"packetsender/util"
)

// Session is a persistent TCP/TLS connection.
type Session struct {
	first    packet.Packet
	cfg      worker.Config
	attempts int

	bus  *events.Bus
	out  chan packet.Packet
	done chan struct{}
	quit chan struct{}

	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once

	mu  sync.Mutex
	err error
}

// New returns a session that will connect to p's destination and send
// p once connected.  attempts bounds the connect retries; values below
// one mean config.DefaultSessionRetries.
func New(p packet.Packet, cfg worker.Config, attempts int) *Session {
	if attempts < 1 {
		attempts = config.DefaultSessionRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(0)
	}
	return &Session{
		first:    p,
		cfg:      cfg,
		attempts: attempts,
		bus:      events.NewBus(),
		out:      make(chan packet.Packet, 16),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

func (s *Session) Events() *events.Bus   { return s.bus }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the error that ended the session, nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Start connects and runs the session in the background.  Later calls
// are no-ops.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		if err := s.run(ctx); err != nil {
			s.setErr(err)
		}
	}()
}

// Send queues p for the open connection.  The destination fields of p
// are ignored; the packet goes to the peer the session is connected to.
func (s *Session) Send(p packet.Packet) error {
	if s.closed.Load() {
		return pserr.ErrSessionClosed
	}
	select {
	case <-s.done:
		return pserr.ErrSessionClosed
	default:
	}
	select {
	case s.out <- p:
		return nil
	case <-s.quit:
		return pserr.ErrSessionClosed
	case <-s.done:
		return pserr.ErrSessionClosed
	}
}

// Close ends the session.  It is safe to call more than once.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.quit) })
	return nil
}

func (s *Session) run(ctx context.Context) error {
	log := s.cfg.Logger.With("session")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Connect emits a failed packet for every attempt; only the last
	// one should reach subscribers.
	quiet := events.NewBus()
	b := retry.ConnectBackoff(s.attempts)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Verbose("connect attempt %d to %s failed: %v (retrying in %s)",
			attempt, s.first.Destination(), err, wait)
		s.bus.Notify(config.DefaultStatusTimeout, false,
			fmt.Sprintf("Retrying %s (attempt %d of %d)", s.first.Destination(), attempt+1, s.attempts))
	}

	var (
		conn  net.Conn
		first packet.Packet
	)
	err := b.Do(ctx, func(int) error {
		c, p, err := worker.Connect(ctx, s.first, &s.cfg, quiet)
		if err != nil {
			var re *pserr.ResolutionError
			if errors.As(err, &re) {
				return retry.Permanent(err)
			}
			return err
		}
		conn, first = c, p
		return nil
	})
	if err != nil {
		worker.Fail(s.first, err, s.bus)
		return err
	}
	defer conn.Close()
	if desc := transport.Describe(conn); desc != "" {
		s.bus.Notify(config.DefaultStatusTimeout, false, "Encrypted with "+desc)
	}

	if err := worker.PreSend(ctx, conn, first, &s.cfg, s.bus); err != nil {
		return err
	}
	if err := worker.Write(conn, first, &s.cfg, s.bus); err != nil {
		return err
	}
	log.Info("persistent connection to %s open", first.Destination())

	readErr := make(chan error, 1)
	go s.read(conn, first, readErr)

	for {
		select {
		case <-ctx.Done():
			log.Verbose("closing connection to %s", first.Destination())
			return nil
		case err := <-readErr:
			if err != nil {
				werr := pserr.WrapWorker("read", first.Destination(), err)
				s.bus.Notify(config.DefaultStatusTimeout, true, fmt.Sprintf("%s closed: %v", first.Destination(), err))
				return werr
			}
			s.bus.Notify(config.DefaultStatusTimeout, false, fmt.Sprintf("%s closed the connection", first.Destination()))
			return nil
		case p := <-s.out:
			next := first
			next.Name, next.Timestamp = "", time.Time{}
			next.Hex = p.Hex
			next.Error = ""
			if err := worker.Write(conn, next, &s.cfg, s.bus); err != nil {
				return err
			}
		}
	}
}

// read reports each chunk the peer sends until the connection ends.
// A nil error on ch means the peer closed cleanly.
func (s *Session) read(conn net.Conn, p packet.Packet, ch chan<- error) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.bus.EmitReceived(worker.Inbound(conn, p, buf[:n]))
		}
		if err != nil {
			if util.IsClosed(err) {
				ch <- nil
			} else {
				ch <- err
			}
			return
		}
	}
}
