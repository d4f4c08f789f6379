package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"goa.design/clue/log"

	"github.com/chatforge/chatforge/model"
)

// Backoff describes an exponential backoff schedule with jitter.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
}

// Delay returns the sleep before the given zero-based retry attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << attempt
	if d > b.Cap || d <= 0 {
		d = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// schedule is exhausted or ctx is canceled.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == b.MaxAttempts-1 {
			return err
		}
		delay := b.Delay(attempt)
		log.Debug(ctx, log.KV{K: "msg", V: "retrying provider call"}, log.KV{K: "attempt", V: attempt + 1}, log.KV{K: "delay", V: delay.String()})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// RetryableProviderError reports whether err is a retryable upstream failure.
func RetryableProviderError(err error) bool {
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	// Network-class failures without an HTTP status.
	return errors.Is(err, context.DeadlineExceeded)
}
