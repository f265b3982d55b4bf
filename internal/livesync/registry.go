package livesync

import (
	"slices"
	"sync"
)

// Canceler is anything with an idempotent teardown.
type Canceler interface {
	Unsubscribe()
}

// Registry owns named cancellation handles. A slot holds at most one handle.
type Registry struct {
	mu    sync.Mutex
	slots map[string]Canceler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: map[string]Canceler{}}
}

// Swap tears down the handle in slot name, then stores whatever open returns.
// The previous handle is fully cancelled before open runs.
func (r *Registry) Swap(name string, open func() Canceler) {
	r.Close(name)
	c := open()
	if c == nil {
		return
	}
	r.mu.Lock()
	prev := r.slots[name]
	r.slots[name] = c
	r.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
}

// Close tears down the named slots in the order given.
func (r *Registry) Close(names ...string) {
	for _, name := range names {
		r.mu.Lock()
		c := r.slots[name]
		delete(r.slots, name)
		r.mu.Unlock()
		if c != nil {
			c.Unsubscribe()
		}
	}
}

// CloseAll tears down every slot in name order.
func (r *Registry) CloseAll() {
	r.Close(r.Active()...)
}

// Active returns the occupied slot names, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.slots))
	for n := range r.slots {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
