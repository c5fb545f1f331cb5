package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"packetsender/config"
	"packetsender/internal/events"
	"packetsender/internal/transport"
	"packetsender/packet"
	"packetsender/util"
)

//go:generate mockgen -source=listen.go -destination=mock_listener_test.go -package=core

// Listener is an inbound TCP or TLS server owned by the engine.
type Listener interface {
	Serve(ctx context.Context) error
	Port() int
	Events() *events.Bus
	Close() error
}

// ServerConfig describes one inbound server.
type ServerConfig struct {
	Transport string // "TCP" or "SSL"
	Network   string // "tcp4" or "tcp"
	Addr      string
	// TLS, when set, wraps accepted connections.
	TLS *tls.Config

	Responder *Responder
	// Unmap reports IPv4-mapped peers in dotted form.
	Unmap  bool
	Logger *util.Logger
}

// ListenFunc opens a Listener.  The engine uses Listen unless told
// otherwise.
type ListenFunc func(cfg ServerConfig) (Listener, error)

func defaultListen(cfg ServerConfig) (Listener, error) {
	s, err := Listen(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Server accepts connections and reports every chunk a peer sends,
// answering it through the configured Responder.
type Server struct {
	cfg    ServerConfig
	ln     net.Listener
	port   int
	bus    *events.Bus
	logger *util.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds cfg.Addr.
func Listen(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(0)
	}
	ln, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return nil, err
	}
	port := util.PortOf(ln.Addr())
	if cfg.TLS != nil {
		ln = tls.NewListener(ln, cfg.TLS)
	}
	return &Server{
		cfg:    cfg,
		ln:     ln,
		port:   port,
		bus:    events.NewBus(),
		logger: cfg.Logger.With(cfg.Transport),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Port() int           { return s.port }
func (s *Server) Events() *events.Bus { return s.bus }

// Serve accepts connections until ctx ends or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() }) //nolint:errcheck
	defer stop()

	s.logger.Verbose("listening on %s (%s)", s.ln.Addr(), s.cfg.Transport)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() || util.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.logger.Verbose("connection from %s", conn.RemoteAddr())

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes every open connection and waits for
// their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, config.DefaultConnectTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Debug("handshake with %s: %v", conn.RemoteAddr(), err)
			return
		}
		s.bus.Notify(config.DefaultStatusTimeout, false,
			fmt.Sprintf("%s connected with %s", conn.RemoteAddr(), transport.Describe(conn)))
	}

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	peerIP := util.HostOf(conn.RemoteAddr(), s.cfg.Unmap)
	peerPort := util.PortOf(conn.RemoteAddr())
	isTLS := s.cfg.TLS != nil

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.handle(conn, buf[:n], peerIP, peerPort, isTLS)
		}
		if err != nil {
			if !util.IsClosed(err) {
				s.logger.Debug("read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (s *Server) handle(conn net.Conn, data []byte, peerIP string, peerPort int, isTLS bool) {
	in := packet.Packet{
		Protocol: packet.TCP,
		TLS:      isTLS,
		FromIP:   peerIP,
		FromPort: peerPort,
		ToIP:     packet.LocalAddr,
		Port:     s.port,
	}
	in.SetBytes(data)
	in.Stamp(time.Now())
	s.bus.EmitReceived(in)

	body, ok := s.cfg.Responder.Reply(data)
	if !ok {
		return
	}
	out := packet.Packet{
		Protocol: packet.TCP,
		TLS:      isTLS,
		FromIP:   packet.LocalResponseAddr,
		FromPort: s.port,
		ToIP:     peerIP,
		Port:     peerPort,
	}
	out.SetBytes(body)
	out.Stamp(time.Now())
	if _, err := conn.Write(body); err != nil {
		out.Error = err.Error()
	}
	s.bus.EmitSent(out)
}
