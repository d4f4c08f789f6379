package chat

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/chatforge/model"
	"github.com/chatforge/chatforge/store"
)

// Error is the taxonomy entry serialized to clients as
// {error, message, error_code?}.
type Error struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"error_code,omitempty"`
	Status  int    `json:"-"`
}

func (e Error) Error() string { return e.Kind + ": " + e.Message }

// Error kinds.
const (
	KindValidation    = "validation_error"
	KindConflict      = "conflict"
	KindUnauthorized  = "unauthorized"
	KindNotFound      = "not_found"
	KindLimitExceeded = "limit_exceeded"
	KindProvider      = "provider_error"
	KindAborted       = "aborted"
	KindInternal      = "internal_error"
)

// Error codes carried inside validation_error envelopes.
const (
	CodeIntentRequired   = "intent_required"
	CodeConflict         = "conflict"
	CodeInvalidArguments = "invalid_arguments"
)

func validationError(msg, code string) Error {
	return Error{Kind: KindValidation, Message: msg, Code: code, Status: http.StatusBadRequest}
}

func notFoundError(msg string) Error {
	return Error{Kind: KindNotFound, Message: msg, Status: http.StatusNotFound}
}

// classify maps internal errors onto the taxonomy. Provider errors are
// sanitized: the upstream body never reaches the client.
func classify(err error) Error {
	var e Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, store.ErrConflict):
		return Error{Kind: KindConflict, Message: "conversation has moved past expected_last_seq", Code: CodeConflict, Status: http.StatusConflict}
	case errors.Is(err, store.ErrNotFound):
		return notFoundError("not found")
	case errors.Is(err, store.ErrLimitExceeded):
		return Error{Kind: KindLimitExceeded, Message: "retention limit reached", Status: http.StatusTooManyRequests}
	}
	if pe, ok := model.AsProviderError(err); ok {
		return Error{
			Kind:    KindProvider,
			Message: "upstream provider request failed",
			Code:    string(pe.Kind()),
			Status:  http.StatusBadGateway,
		}
	}
	return Error{Kind: KindInternal, Message: "internal error", Status: http.StatusInternalServerError}
}

func writeError(c *gin.Context, err error) {
	e := classify(err)
	c.JSON(e.Status, e)
}
