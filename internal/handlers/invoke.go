package handlers

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_invoker.go -package=mocks notevault/internal/handlers Invoker

import (
	"context"
	"encoding/json"
	"net/http"

	"notevault/internal/contextutil"
	"notevault/internal/dispatch"
)

// maxInvokeBody caps request bodies; note content travels inline.
const maxInvokeBody = 16 << 20

// Invoker runs a named command. *dispatch.Dispatcher implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args []json.RawMessage) dispatch.Result
}

// InvokeHandler exposes the command dispatcher over HTTP.
type InvokeHandler struct {
	invoker Invoker
}

// NewInvokeHandler creates a new InvokeHandler.
func NewInvokeHandler(invoker Invoker) *InvokeHandler {
	return &InvokeHandler{invoker: invoker}
}

// InvokeRequest is the HTTP request payload: a command name and its
// positional arguments.
type InvokeRequest struct {
	Command string            `json:"command"`
	Args    []json.RawMessage `json:"args"`
}

// ServeHTTP handles POST /api/invoke. Every response body is a
// dispatch.Result envelope; the status code mirrors the error code.
func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodPost {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		writeResult(ctx, w, http.StatusMethodNotAllowed, dispatch.Result{
			Error: &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "method not allowed"},
		})
		return
	}

	var req InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvokeBody)).Decode(&req); err != nil {
		logger.WarnContext(ctx, "invalid request body", "error", err)
		writeResult(ctx, w, http.StatusBadRequest, dispatch.Result{
			Error: &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "invalid request body"},
		})
		return
	}

	res := h.invoker.Invoke(ctx, req.Command, req.Args)
	writeResult(ctx, w, statusFor(res), res)
}

// statusFor maps a Result onto an HTTP status code.
func statusFor(res dispatch.Result) int {
	if res.Success || res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.Code {
	case dispatch.CodeNotFound:
		return http.StatusNotFound
	case dispatch.CodeConflict:
		return http.StatusConflict
	case dispatch.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(ctx context.Context, w http.ResponseWriter, status int, res dispatch.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
