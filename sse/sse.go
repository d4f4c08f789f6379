// Package sse writes typed events to an HTTP response as Server-Sent Events.
// The framer is the single writer of the response for the lifetime of a
// request: the orchestrator owns it exclusively and events are delivered in
// the order Send is called, with no coalescing.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HeartbeatInterval is the maximum idle time between frames before a comment
// frame is emitted to keep intermediate proxies from timing out the stream.
const HeartbeatInterval = 20 * time.Second

// Framer serializes frames as data: <json> records and terminates the stream
// with a [DONE] sentinel. All methods are safe for concurrent use, though the
// pipeline funnels all Send calls through a single goroutine.
type Framer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	opened    bool
	closed    bool
	lastWrite time.Time

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// NewFramer wraps the response writer. The writer must support flushing;
// if it does not, Open returns an error and the caller falls back to a
// buffered JSON response.
func NewFramer(w http.ResponseWriter) *Framer {
	f := &Framer{w: w, stopHeartbeat: make(chan struct{})}
	f.flusher, _ = w.(http.Flusher)
	return f
}

// Open writes the SSE headers, flushes them immediately and starts the
// heartbeat ticker.
func (f *Framer) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened {
		return nil
	}
	if f.flusher == nil {
		return fmt.Errorf("sse: response writer does not support flushing")
	}
	h := f.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	f.w.WriteHeader(http.StatusOK)
	f.flusher.Flush()
	f.opened = true
	f.lastWrite = time.Now()
	go f.heartbeatLoop()
	return nil
}

// Send marshals v and writes it as one data frame, flushing immediately.
func (f *Framer) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal frame: %w", err)
	}
	return f.writeData(raw)
}

// SendRaw writes a pre-serialized JSON payload as one data frame.
func (f *Framer) SendRaw(raw json.RawMessage) error {
	return f.writeData(raw)
}

// Close emits the [DONE] terminator, flushes and stops the heartbeat.
// Idempotent; safe to call from deferred cleanup after an error path
// already closed the framer.
func (f *Framer) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.opened {
		fmt.Fprint(f.w, "data: [DONE]\n\n")
		f.flusher.Flush()
	}
	f.mu.Unlock()
	f.heartbeatOnce.Do(func() { close(f.stopHeartbeat) })
}

func (f *Framer) writeData(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("sse: framer closed")
	}
	if !f.opened {
		return fmt.Errorf("sse: framer not opened")
	}
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	f.flusher.Flush()
	f.lastWrite = time.Now()
	return nil
}

func (f *Framer) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopHeartbeat:
			return
		case <-ticker.C:
			f.mu.Lock()
			if !f.closed && time.Since(f.lastWrite) >= HeartbeatInterval-time.Second {
				fmt.Fprint(f.w, ": ping\n\n")
				f.flusher.Flush()
				f.lastWrite = time.Now()
			}
			f.mu.Unlock()
		}
	}
}
