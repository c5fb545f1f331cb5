// Package capture records engine traffic to a pcap file so it can be
// inspected in Wireshark.  Frames are synthesised from bus events:
// each packet becomes one raw IPv4/IPv6 frame with a UDP or TCP header
// around its payload.
package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/atomic"

	"packetsender/internal/events"
	"packetsender/packet"
	"packetsender/util"
)

// SnapLen is the capture length written to the file header.
const SnapLen = 65536

// maxPayload keeps a synthesised frame within one IP datagram.
const maxPayload = 65535 - 60 - 20

var (
	localV4 = net.IPv4(127, 0, 0, 1).To4()
	localV6 = net.IPv6loopback
)

type frame struct {
	info gopacket.CaptureInfo
	data []byte
}

// Writer implements events.Handler and appends every packet to a pcap
// stream.  Frames are queued and written by one goroutine; when the
// queue is full the frame is dropped rather than stalling the emitter.
type Writer struct {
	w      *pcapgo.Writer
	closer io.Closer
	logger *util.Logger

	frames  chan frame
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Create opens path for writing and returns a Writer on it.
func Create(path string, logger *util.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	w, err := NewWriter(f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	logger.Info("capturing traffic to %s", path)
	return w, nil
}

// NewWriter writes the pcap header to out and starts the writer
// goroutine.
func NewWriter(out io.Writer, logger *util.Logger) (*Writer, error) {
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	w := &Writer{
		w:      pw,
		logger: logger.With("capture"),
		frames: make(chan frame, 1024),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer w.wg.Done()
	for f := range w.frames {
		if err := w.w.WritePacket(f.info, f.data); err != nil {
			w.logger.Error("write frame: %v", err)
		}
	}
}

// PacketReceived records an inbound packet.
func (w *Writer) PacketReceived(p packet.Packet) { w.record(p) }

// PacketSent records an outbound packet.  Failed sends are skipped.
func (w *Writer) PacketSent(p packet.Packet) {
	if p.Error != "" {
		return
	}
	w.record(p)
}

// Status is ignored.
func (w *Writer) Status(events.Status) {}

// Dropped returns how many frames were lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) record(p packet.Packet) {
	data, err := Frame(p)
	if err != nil {
		w.logger.Debug("skip %s: %v", p, err)
		return
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	f := frame{
		info: gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)},
		data: data,
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.frames <- f:
	default:
		w.dropped.Add(1)
		w.logger.Warn("capture queue full, dropping frame")
	}
}

// Close flushes queued frames and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.frames)
	w.mu.Unlock()

	w.wg.Wait()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Frame builds the raw IP frame for p.
func Frame(p packet.Packet) ([]byte, error) {
	payload := p.Bytes()
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}

	// Resolve the remote side first so the local tag can follow its
	// address family.
	var src, dst net.IP
	if isLocal(p.ToIP) {
		src = hostIP(p.FromIP, nil)
		dst = hostIP(p.ToIP, src)
	} else {
		dst = hostIP(p.ToIP, nil)
		src = hostIP(p.FromIP, dst)
	}
	v6 := src.To4() == nil || dst.To4() == nil

	var proto layers.IPProtocol
	var tcp *layers.TCP
	var udp *layers.UDP
	if p.IsTCP() {
		proto = layers.IPProtocolTCP
		tcp = &layers.TCP{SrcPort: layers.TCPPort(p.FromPort), DstPort: layers.TCPPort(p.Port),
			PSH: true, ACK: true, Window: 65535}
	} else {
		proto = layers.IPProtocolUDP
		udp = &layers.UDP{SrcPort: layers.UDPPort(p.FromPort), DstPort: layers.UDPPort(p.Port)}
	}

	var ip gopacket.SerializableLayer
	var network gopacket.NetworkLayer
	if v6 {
		l := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src.To16(), DstIP: dst.To16()}
		ip, network = l, l
	} else {
		l := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src.To4(), DstIP: dst.To4()}
		ip, network = l, l
	}

	var l4 gopacket.SerializableLayer
	var err error
	if tcp != nil {
		err = tcp.SetNetworkLayerForChecksum(network)
		l4 = tcp
	} else {
		err = udp.SetNetworkLayerForChecksum(network)
		l4 = udp
	}
	if err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, l4, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return buf.Bytes(), nil
}

func isLocal(addr string) bool {
	return addr == packet.LocalAddr || addr == packet.LocalResponseAddr
}

// hostIP maps a packet address onto an IP.  The local tags become the
// loopback address of peer's family; text that is not an IP becomes
// the unspecified address.
func hostIP(addr string, peer net.IP) net.IP {
	v6 := peer != nil && peer.To4() == nil
	if isLocal(addr) {
		if v6 {
			return localV6
		}
		return localV4
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip
	}
	if v6 {
		return net.IPv6unspecified
	}
	return net.IPv4zero
}
