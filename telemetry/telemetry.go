// Package telemetry configures structured logging for the pipeline.
package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// Init returns a context carrying the process log context. Debug enables
// debug-level output; production output is structured key/value logfmt.
func Init(ctx context.Context, debug bool) context.Context {
	opts := []log.LogOption{log.WithFormat(log.FormatJSON)}
	if debug {
		opts = append(opts, log.WithDebug())
	}
	return log.Context(ctx, opts...)
}

// WithRequest annotates the context with the identifiers every pipeline log
// line carries.
func WithRequest(ctx context.Context, userID, requestID string) context.Context {
	return log.With(ctx, log.KV{K: "user_id", V: userID}, log.KV{K: "request_id", V: requestID})
}

// WithConversation annotates the context with the conversation identifier.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return log.With(ctx, log.KV{K: "conversation_id", V: conversationID})
}
