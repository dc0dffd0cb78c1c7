package server

import (
	"iter"
	"sync"
)

// Registry maps connection ids to their contexts for every live connection.
// It is owned by a Server and shared by reference with each Ctx for fan-out.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Ctx
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Ctx)}
}

// Add registers ctx under id. Ids must be unique; a second Add for the same
// id fails with ErrDuplicateConnection and leaves the first entry in place.
func (r *Registry) Add(id string, ctx *Ctx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return ErrDuplicateConnection
	}
	r.conns[id] = ctx
	return nil
}

// Remove drops id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Get returns the context registered under id, or nil.
func (r *Registry) Get(id string) *Ctx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Values returns a lazy sequence over the contexts registered at the time of
// the call. Later adds and removes do not change the sequence.
func (r *Registry) Values() iter.Seq[*Ctx] {
	snapshot := r.snapshot()
	return func(yield func(*Ctx) bool) {
		for _, ctx := range snapshot {
			if !yield(ctx) {
				return
			}
		}
	}
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []*Ctx {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Ctx, 0, len(r.conns))
	for _, ctx := range r.conns {
		out = append(out, ctx)
	}
	clear(r.conns)
	return out
}

func (r *Registry) snapshot() []*Ctx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Ctx, 0, len(r.conns))
	for _, ctx := range r.conns {
		out = append(out, ctx)
	}
	return out
}

func broadcast(r *Registry, kind MessageKind, data []byte, done func(error)) int {
	n := 0
	for ctx := range r.Values() {
		ctx.handle.Send(kind, data, done)
		n++
	}
	return n
}
