// Package metrics provides lock-free counters for the engine's traffic
// and workers, fed from the event bus.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"

	"packetsender/internal/events"
	"packetsender/packet"
)

// Transports in export order.
var Transports = [...]string{"TCP", "TLS", "UDP"}

func transportIndex(p packet.Packet) int {
	switch p.Transport() {
	case "TCP":
		return 0
	case "TLS":
		return 1
	default:
		return 2
	}
}

// Collector tracks runtime metrics for one engine.
type Collector struct {
	received [len(Transports)]atomic.Int64
	sent     [len(Transports)]atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	failed   atomic.Int64

	workersActive atomic.Int64
	workersTotal  atomic.Int64

	repliesSent    atomic.Int64
	repliesLimited atomic.Int64
	bindFailures   atomic.Int64
	errorsTotal    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Packet metrics ───────────────────────────────────────────────────

// PacketReceived records an inbound packet.
func (c *Collector) PacketReceived(p packet.Packet) {
	if c == nil {
		return
	}
	c.received[transportIndex(p)].Add(1)
	c.bytesIn.Add(int64(len(p.Hex) / 2))
}

// PacketSent records an outbound packet.  A packet carrying an error
// counts as a failed send.
func (c *Collector) PacketSent(p packet.Packet) {
	if c == nil {
		return
	}
	if p.Error != "" {
		c.failed.Add(1)
		c.RecordError(p.Error)
		return
	}
	c.sent[transportIndex(p)].Add(1)
	c.bytesOut.Add(int64(len(p.Hex) / 2))
	if p.FromIP == packet.LocalResponseAddr {
		c.repliesSent.Add(1)
	}
}

// Status is a no-op; it completes events.Handler.
func (c *Collector) Status(events.Status) {}

// Received returns the inbound packet count for a transport.
func (c *Collector) Received(transport string) int64 {
	if c == nil {
		return 0
	}
	for i, t := range Transports {
		if t == transport {
			return c.received[i].Load()
		}
	}
	return 0
}

// Sent returns the outbound packet count for a transport.
func (c *Collector) Sent(transport string) int64 {
	if c == nil {
		return 0
	}
	for i, t := range Transports {
		if t == transport {
			return c.sent[i].Load()
		}
	}
	return 0
}

// ── Worker metrics ───────────────────────────────────────────────────

// WorkerStarted increments both the active and total counters.
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.workersActive.Add(1)
	c.workersTotal.Add(1)
}

// WorkerDone decrements the active worker counter.
func (c *Collector) WorkerDone() {
	if c == nil {
		return
	}
	c.workersActive.Add(-1)
}

// ActiveWorkers returns the number of live workers and sessions.
func (c *Collector) ActiveWorkers() int64 {
	if c == nil {
		return 0
	}
	return c.workersActive.Load()
}

// ── Engine metrics ───────────────────────────────────────────────────

// ReplyLimited records an auto reply dropped by the rate limiter.
func (c *Collector) ReplyLimited() {
	if c == nil {
		return
	}
	c.repliesLimited.Add(1)
}

// BindFailed records a transport that could not bind.
func (c *Collector) BindFailed() {
	if c == nil {
		return
	}
	c.bindFailures.Add(1)
}

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string           `json:"uptime"`
	PacketsReceived  map[string]int64 `json:"packets_received"`
	PacketsSent      map[string]int64 `json:"packets_sent"`
	SendFailures     int64            `json:"send_failures"`
	BytesIn          int64            `json:"bytes_in"`
	BytesOut         int64            `json:"bytes_out"`
	WorkersActive    int64            `json:"workers_active"`
	WorkersTotal     int64            `json:"workers_total"`
	RepliesSent      int64            `json:"replies_sent"`
	RepliesLimited   int64            `json:"replies_limited"`
	BindFailures     int64            `json:"bind_failures"`
	ErrorsTotal      int64            `json:"errors_total"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		PacketsReceived: make(map[string]int64, len(Transports)),
		PacketsSent:     make(map[string]int64, len(Transports)),
		SendFailures:    c.failed.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		WorkersActive:   c.workersActive.Load(),
		WorkersTotal:    c.workersTotal.Load(),
		RepliesSent:     c.repliesSent.Load(),
		RepliesLimited:  c.repliesLimited.Load(),
		BindFailures:    c.bindFailures.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	for i, t := range Transports {
		s.PacketsReceived[t] = c.received[i].Load()
		s.PacketsSent[t] = c.sent[i].Load()
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
