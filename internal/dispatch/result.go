package dispatch

import (
	"context"
	"errors"

	"notevault/internal/contextutil"
	"notevault/internal/mount"
	"notevault/internal/semantic"
	"notevault/internal/service"
	"notevault/internal/storage"
)

// Error codes returned in Result.Error.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInvalidInput = "INVALID_INPUT"
	CodeQueryFailed  = "QUERY_FAILED"
	CodeInternal     = "INTERNAL"
)

// Result is the envelope returned for every command.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error describes a failed command.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail maps err onto an error Result. Internal failures are logged and
// reported with a generic message.
func Fail(ctx context.Context, err error) Result {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "command failed", "error", err)
		msg = "internal error"
	}
	return Result{Error: &Error{Code: code, Message: msg}}
}

// ErrorCode classifies err. Invalid-argument errors are checked first since
// the datastore may wrap them in a QueryExecutionError.
func ErrorCode(err error) string {
	var qe *storage.QueryExecutionError
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, storage.ErrInvalidItem),
		errors.Is(err, storage.ErrInvalidMove),
		errors.Is(err, mount.ErrInvalidMount),
		errors.Is(err, semantic.ErrInvalidQuery):
		return CodeInvalidInput
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrConflict):
		return CodeConflict
	case errors.As(err, &qe):
		return CodeQueryFailed
	default:
		return CodeInternal
	}
}
