// Package abort maintains the process-wide mapping from client-supplied
// request identifiers to cancellation handles. Every chat request registers a
// handle keyed by (user, request) so the stop endpoint and disconnect
// detection can signal cancellation into the pipeline.
package abort

import (
	"context"
	"fmt"
	"sync"
)

// Registry maps (userID, requestID) pairs to active cancellation handles.
// The zero value is not usable; construct with NewRegistry. Safe for
// concurrent use. The mutex guards only map operations, never I/O.
type Registry struct {
	mu      sync.Mutex
	handles map[key]*Handle
}

type key struct {
	userID    string
	requestID string
}

// Handle is a per-request cancellation token. It wraps a derived context
// whose cancellation is observed at every suspension point of the pipeline.
type Handle struct {
	userID    string
	requestID string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	fired bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[key]*Handle)}
}

// Register creates a cancellation handle for the request and records it.
// The returned context is derived from parent and is canceled when Signal
// fires or when the caller invokes Unregister. Registration fails if an
// active handle already exists for the same (userID, requestID).
func (r *Registry) Register(parent context.Context, userID, requestID string) (*Handle, error) {
	if userID == "" || requestID == "" {
		return nil, fmt.Errorf("abort: user and request identifiers are required")
	}
	k := key{userID: userID, requestID: requestID}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{userID: userID, requestID: requestID, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	if _, dup := r.handles[k]; dup {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("abort: request %q already active for user", requestID)
	}
	r.handles[k] = h
	r.mu.Unlock()
	return h, nil
}

// Signal cancels the handle registered under (userID, requestID) and reports
// whether an active handle was found. Safe to call concurrently with
// Register and Unregister; signalling an already-fired handle is a no-op
// returning false.
func (r *Registry) Signal(userID, requestID string) bool {
	r.mu.Lock()
	h, ok := r.handles[key{userID: userID, requestID: requestID}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return h.fire()
}

// Unregister removes the handle from the registry and releases its context.
// It must run on every exit path of a request; calling it more than once is
// harmless.
func (r *Registry) Unregister(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	k := key{userID: h.userID, requestID: h.requestID}
	if cur, ok := r.handles[k]; ok && cur == h {
		delete(r.handles, k)
	}
	r.mu.Unlock()
	h.cancel()
}

// Active reports whether a handle is currently registered for the pair.
func (r *Registry) Active(userID, requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key{userID: userID, requestID: requestID}]
	return ok
}

// Len returns the number of active registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Context returns the request-scoped context canceled when the handle fires.
func (h *Handle) Context() context.Context { return h.ctx }

// RequestID returns the client-supplied request identifier.
func (h *Handle) RequestID() string { return h.requestID }

// Aborted reports whether Signal fired for this handle. It distinguishes an
// explicit stop from an ordinary unregister, which also cancels the context.
func (h *Handle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

func (h *Handle) fire() bool {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return false
	}
	h.fired = true
	h.mu.Unlock()
	h.cancel()
	return true
}
