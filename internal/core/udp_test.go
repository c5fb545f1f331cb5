package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packetsender/config"
	"packetsender/internal/events"
	"packetsender/internal/resolver"
	"packetsender/packet"
	"packetsender/util"
)

// eventLog is every bus event in arrival order.
type eventLog struct {
	order  []string
	recv   []packet.Packet
	sent   []packet.Packet
	status []events.Status
}

type recorder struct {
	mu  sync.Mutex
	log eventLog
}

func (r *recorder) PacketReceived(p packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.order = append(r.log.order, "recv")
	r.log.recv = append(r.log.recv, p)
}

func (r *recorder) PacketSent(p packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.order = append(r.log.order, "sent")
	r.log.sent = append(r.log.sent, p)
}

func (r *recorder) Status(s events.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.status = append(r.log.status, s)
}

func (r *recorder) counts() (recv, sent, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log.recv), len(r.log.sent), len(r.log.status)
}

func (r *recorder) snapshot() eventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventLog{
		order:  append([]string(nil), r.log.order...),
		recv:   append([]packet.Packet(nil), r.log.recv...),
		sent:   append([]packet.Packet(nil), r.log.sent...),
		status: append([]events.Status(nil), r.log.status...),
	}
}

func newUDPHandler(t *testing.T, cfg *config.Engine) (*UDPHandler, *recorder) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	logger := util.NewLogger(0)
	h := NewUDPHandler(conn, false, resolver.New(false), NewResponder(cfg, nil, nil, logger), logger)
	rec := &recorder{}
	h.Events().Subscribe(rec)
	return h, rec
}

func dialUDP(t *testing.T, h *UDPHandler) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUDPHandler_DrainsEveryPendingDatagram(t *testing.T) {
	h, rec := newUDPHandler(t, &config.Engine{})
	client := dialUDP(t, h)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := client.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := h.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, got)

	snap := rec.snapshot()
	require.Len(t, snap.recv, n)
	clientPort := client.LocalAddr().(*net.UDPAddr).Port
	for i, p := range snap.recv {
		assert.Equal(t, packet.UDP, p.Protocol)
		assert.Equal(t, "127.0.0.1", p.FromIP)
		assert.Equal(t, clientPort, p.FromPort)
		assert.Equal(t, packet.LocalAddr, p.ToIP)
		assert.Equal(t, h.Port(), p.Port)
		assert.Equal(t, []byte{byte(i)}, p.Bytes())
	}
	assert.Empty(t, snap.sent, "no reply configured")
}

func TestUDPHandler_FixedReply(t *testing.T) {
	h, rec := newUDPHandler(t, &config.Engine{SendResponse: true, ResponseHex: "48656C6C6F"})
	client := dialUDP(t, h)

	_, err := client.Write([]byte("hi"))
	require.NoError(t, err)
	_, err = h.Drain(context.Background())
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(buf[:n]))

	snap := rec.snapshot()
	assert.Equal(t, []string{"recv", "sent"}, snap.order)
	reply := snap.sent[0]
	assert.Equal(t, "48656C6C6F", reply.Hex)
	assert.Equal(t, packet.LocalResponseAddr, reply.FromIP)
	assert.Equal(t, h.Port(), reply.FromPort)
	assert.Equal(t, "127.0.0.1", reply.ToIP)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, reply.Port)
	assert.Empty(t, reply.Error)
}

func TestUDPHandler_SmartReplyThirdSlot(t *testing.T) {
	cfg := &config.Engine{SmartResponseEnabled: true, SendResponse: true, ResponseHex: "00"}
	cfg.SmartRules[2] = packet.SmartRule{Enabled: true, IfEquals: "ping", ReplyWith: "pong", Encoding: packet.EncodingASCII}
	h, _ := newUDPHandler(t, cfg)
	client := dialUDP(t, h)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = h.Drain(context.Background())
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestUDPHandler_ServeStopsOnCancel(t *testing.T) {
	h, rec := newUDPHandler(t, &config.Engine{})
	client := dialUDP(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Serve(ctx) }()

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, _, _ := rec.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestUDPHandler_Send(t *testing.T) {
	h, rec := newUDPHandler(t, &config.Engine{})

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	h.Send(context.Background(), packet.New(packet.UDP, "127.0.0.1", port, []byte{0xAA}))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 16)
	n, from, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, buf[:n])
	assert.Equal(t, h.Port(), from.Port, "sent from the shared endpoint")

	snap := rec.snapshot()
	require.Len(t, snap.sent, 1)
	assert.Equal(t, packet.LocalAddr, snap.sent[0].FromIP)
	assert.Equal(t, h.Port(), snap.sent[0].FromPort)
	assert.Empty(t, snap.status)
}

type unresolvable struct{}

func (unresolvable) ResolveContext(context.Context, string) net.IP { return net.IPv4zero }

func TestUDPHandler_SendUnresolved(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	h := NewUDPHandler(conn, false, unresolvable{}, nil, nil)
	rec := &recorder{}
	h.Events().Subscribe(rec)

	h.Send(context.Background(), packet.New(packet.UDP, "nowhere.invalid", 9, []byte{1}))

	snap := rec.snapshot()
	require.Len(t, snap.sent, 1, "packet-sent is still emitted")
	assert.Equal(t, "nowhere.invalid", snap.sent[0].ToIP)
	require.NotEmpty(t, snap.status)
	assert.Equal(t, "Could not resolve nowhere.invalid", snap.status[0].Text)
}

func TestUDPHandler_SendScopedLiteral(t *testing.T) {
	lo, err := net.InterfaceByName("lo")
	if err != nil {
		t.Skipf("no lo interface: %v", err)
	}
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback})
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	peer, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback})
	require.NoError(t, err)
	defer peer.Close()

	logger := util.NewLogger(0)
	lookups := 0
	res := resolver.New(true, resolver.WithClientConfig(nil), resolver.WithLookup(func(context.Context, string) ([]net.IP, error) {
		lookups++
		return nil, errors.New("no lookup expected")
	}))
	h := NewUDPHandler(conn, true, res, NewResponder(&config.Engine{}, nil, nil, logger), logger)
	rec := &recorder{}
	h.Events().Subscribe(rec)

	port := peer.LocalAddr().(*net.UDPAddr).Port
	h.Send(context.Background(), packet.New(packet.UDP, "::1%"+lo.Name, port, []byte{0x01}))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 16)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, buf[:n])
	assert.Zero(t, lookups)

	snap := rec.snapshot()
	require.Len(t, snap.sent, 1)
	assert.Empty(t, snap.sent[0].Error)
	assert.Empty(t, snap.status)
}

func TestUDPHandler_UnmapsIPv4InV4Mode(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		t.Skipf("dual-stack UDP unavailable: %v", err)
	}
	defer conn.Close()
	h := NewUDPHandler(conn, false, resolver.New(false), nil, nil)
	rec := &recorder{}
	h.Events().Subscribe(rec)

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.Port()})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	_, err = h.Drain(context.Background())
	require.NoError(t, err)
	snap := rec.snapshot()
	require.Len(t, snap.recv, 1)
	assert.Equal(t, "127.0.0.1", snap.recv[0].FromIP)
}
