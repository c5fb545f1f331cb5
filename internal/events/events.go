// Package events is the engine's notification surface: packet-received,
// packet-sent, and status-message.  Every producer (UDP handler,
// workers, sessions, listeners) owns a Bus; the engine forwards each
// child bus into its own so subscribers see one stream.
package events

import (
	"sync"
	"time"

	"packetsender/packet"
)

// Status is a human-readable notification.  Override asks the consumer
// to replace whatever status is currently shown.
type Status struct {
	Text     string
	Timeout  time.Duration
	Override bool
}

// Handler receives bus events.  Methods are called synchronously in
// the emitter's goroutine and must be safe for concurrent use.
type Handler interface {
	PacketReceived(p packet.Packet)
	PacketSent(p packet.Packet)
	Status(s Status)
}

// Funcs adapts plain functions to Handler.  Nil fields are skipped.
type Funcs struct {
	OnReceived func(packet.Packet)
	OnSent     func(packet.Packet)
	OnStatus   func(Status)
}

func (f Funcs) PacketReceived(p packet.Packet) {
	if f.OnReceived != nil {
		f.OnReceived(p)
	}
}

func (f Funcs) PacketSent(p packet.Packet) {
	if f.OnSent != nil {
		f.OnSent(p)
	}
}

func (f Funcs) Status(s Status) {
	if f.OnStatus != nil {
		f.OnStatus(s)
	}
}

// Bus fans events out to its subscribers.  The zero value is ready to
// use; a nil *Bus drops everything.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) handlers() []Handler {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		hs = append(hs, h)
	}
	return hs
}

// EmitReceived publishes a packet-received event.
func (b *Bus) EmitReceived(p packet.Packet) {
	for _, h := range b.handlers() {
		h.PacketReceived(p)
	}
}

// EmitSent publishes a packet-sent event.
func (b *Bus) EmitSent(p packet.Packet) {
	for _, h := range b.handlers() {
		h.PacketSent(p)
	}
}

// EmitStatus publishes a status-message event.
func (b *Bus) EmitStatus(s Status) {
	for _, h := range b.handlers() {
		h.Status(s)
	}
}

// Notify publishes a status message with the given timeout.
func (b *Bus) Notify(timeout time.Duration, override bool, text string) {
	b.EmitStatus(Status{Text: text, Timeout: timeout, Override: override})
}

// PacketReceived, PacketSent and Status make *Bus itself a Handler, so
// one bus can subscribe to another.
func (b *Bus) PacketReceived(p packet.Packet) { b.EmitReceived(p) }
func (b *Bus) PacketSent(p packet.Packet)     { b.EmitSent(p) }
func (b *Bus) Status(s Status)                { b.EmitStatus(s) }

// Forward relays every event of from into to, unchanged.  It is the
// single subscription a parent holds on a child.
func Forward(from, to *Bus) (unsubscribe func()) {
	if from == nil || to == nil || from == to {
		return func() {}
	}
	return from.Subscribe(to)
}
