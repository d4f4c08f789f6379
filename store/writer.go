package store

import (
	"context"
	"sync"
	"time"

	"github.com/chatforge/chatforge/model"
)

// Flush thresholds for buffered event journaling. The buffer is flushed
// unconditionally at checkpoints and finalization, so these only bound how
// much a crash can lose mid-stream.
const (
	writerFlushCount    = 16
	writerFlushInterval = 2 * time.Second
)

// EventAppender is the slice of the store the writer needs, split out so the
// pipeline can be tested without a database.
type EventAppender interface {
	AppendEvents(ctx context.Context, userID, messageID string, rows []EventRow) error
}

// MessageWriter buffers journal events for one streaming message and writes
// them in batches with contiguous event_seq numbers. Safe for concurrent use.
type MessageWriter struct {
	store     EventAppender
	userID    string
	messageID string

	mu        sync.Mutex
	nextSeq   int
	pending   []EventRow
	lastFlush time.Time
}

// NewMessageWriter starts a writer for a message created by
// BeginAssistantMessage.
func NewMessageWriter(db EventAppender, userID, messageID string) *MessageWriter {
	return &MessageWriter{
		store:     db,
		userID:    userID,
		messageID: messageID,
		lastFlush: time.Now(),
	}
}

// Append journals one stream event. Events with no durable payload are
// dropped. The buffer is flushed once it grows past writerFlushCount or
// writerFlushInterval has elapsed since the last write.
func (w *MessageWriter) Append(ctx context.Context, ev model.Event) error {
	typ, payload, ok, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w.mu.Lock()
	w.pending = append(w.pending, EventRow{
		MessageID: w.messageID,
		EventSeq:  w.nextSeq,
		Type:      typ,
		Payload:   payload,
	})
	w.nextSeq++
	due := len(w.pending) >= writerFlushCount || time.Since(w.lastFlush) >= writerFlushInterval
	var batch []EventRow
	if due {
		batch = w.take()
	}
	w.mu.Unlock()
	return w.write(ctx, batch)
}

// Checkpoint flushes everything buffered so far. Called before emitting
// terminal frames and on abort so the journal never trails the wire.
func (w *MessageWriter) Checkpoint(ctx context.Context) error {
	w.mu.Lock()
	batch := w.take()
	w.mu.Unlock()
	return w.write(ctx, batch)
}

// BufferedSeq returns the next event sequence number to be assigned.
func (w *MessageWriter) BufferedSeq() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

func (w *MessageWriter) take() []EventRow {
	batch := w.pending
	w.pending = nil
	w.lastFlush = time.Now()
	return batch
}

func (w *MessageWriter) write(ctx context.Context, batch []EventRow) error {
	if len(batch) == 0 {
		return nil
	}
	return w.store.AppendEvents(ctx, w.userID, w.messageID, batch)
}
