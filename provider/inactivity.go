package provider

import (
	"fmt"
	"io"
	"time"

	"github.com/chatforge/chatforge/model"
)

// WithInactivityTimeout wraps a streamer so a read that produces no event
// within d fails the stream. The timer resets on every received event.
func WithInactivityTimeout(s model.Streamer, d time.Duration) model.Streamer {
	w := &inactivityStreamer{
		inner:   s,
		timeout: d,
		events:  make(chan recvResult, 16),
		done:    make(chan struct{}),
	}
	go w.pump()
	return w
}

type recvResult struct {
	ev  model.Event
	err error
}

type inactivityStreamer struct {
	inner   model.Streamer
	timeout time.Duration
	events  chan recvResult
	done    chan struct{}
	closed  bool
}

func (w *inactivityStreamer) pump() {
	defer close(w.events)
	for {
		ev, err := w.inner.Recv()
		select {
		case w.events <- recvResult{ev: ev, err: err}:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *inactivityStreamer) Recv() (model.Event, error) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res, ok := <-w.events:
		if !ok {
			return nil, io.EOF
		}
		return res.ev, res.err
	case <-timer.C:
		w.Close()
		return nil, fmt.Errorf("provider: stream idle for %s", w.timeout)
	}
}

func (w *inactivityStreamer) Close() error {
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return w.inner.Close()
}
