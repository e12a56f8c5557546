// Package abort tracks cancellation handles of jobs running in this process.
package abort

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ErrDuplicate is returned when an ID is registered twice.
var ErrDuplicate = errors.New("abort handle already registered")

// Handle is the cooperative cancellation signal of one in-flight request.
type Handle struct {
	ID      string
	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Context is cancelled once the handle is aborted or released.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Done is a shorthand for Context().Done().
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Aborted reports whether Abort was called for this handle.
func (h *Handle) Aborted() bool {
	return h.aborted.Load()
}

// Registry maps request IDs to abort handles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates a handle derived from parent.
func (r *Registry) Register(parent context.Context, id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; ok {
		return nil, ErrDuplicate
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{ID: id, ctx: ctx, cancel: cancel}
	r.handles[id] = h
	return h, nil
}

// Abort signals the handle registered under id.
// Returns false if no handle is registered, which is not an error.
func (r *Registry) Abort(id string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if h.aborted.CAS(false, true) {
		h.cancel()
	}
	return true
}

// Release removes the handle once its job settled.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
