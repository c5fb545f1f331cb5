package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"packetsender/internal/events"
)

// Handle identifies a live worker or session in the Registry.
type Handle string

// Worker is anything the dispatcher hands a TCP send to: an ephemeral
// worker or a persistent session.
type Worker interface {
	Start(ctx context.Context)
	Done() <-chan struct{}
	Events() *events.Bus
}

// Registry holds every outbound worker that has not finished yet.
type Registry struct {
	mu      sync.Mutex
	workers map[Handle]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[Handle]Worker)}
}

// Add registers w under a fresh handle.
func (r *Registry) Add(w Worker) Handle {
	h := Handle(xid.New().String())
	r.mu.Lock()
	r.workers[h] = w
	r.mu.Unlock()
	return h
}

// Remove drops h.  It reports whether h was present.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[h]; !ok {
		return false
	}
	delete(r.workers, h)
	return true
}

func (r *Registry) Get(h Handle) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[h]
	return w, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Handles lists the live handles in creation order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	hs := make([]Handle, 0, len(r.workers))
	for h := range r.workers {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	// xids sort by creation time.
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Watch removes h once w is done, then runs onDone.
func (r *Registry) Watch(h Handle, w Worker, onDone ...func()) {
	go func() {
		<-w.Done()
		r.Remove(h)
		for _, fn := range onDone {
			fn()
		}
	}()
}

// Wait blocks until the registry is empty or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for r.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
