package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notevault/internal/contextutil"
	"notevault/internal/mount"
	"notevault/internal/semantic"
)

// Pinger checks datastore connectivity. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// IndexStats reports semantic index state. *semantic.Service implements it.
type IndexStats interface {
	Stats(ctx context.Context) (*semantic.Stats, error)
}

// MountLister reports mount watchers. *mount.Engine implements it.
type MountLister interface {
	Mounts(ctx context.Context) ([]mount.Status, error)
}

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	db                 Pinger
	index              IndexStats
	mounts             MountLister
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db Pinger, index IndexStats, mounts MountLister) *HealthHandler {
	return &HealthHandler{
		db:                 db,
		index:              index,
		mounts:             mounts,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Overall health status: "healthy", "degraded", or "unhealthy"
	Status string `json:"status"`

	// Timestamp of the health check
	Timestamp string `json:"timestamp"`

	// Individual check results
	Checks map[string]string `json:"checks"`

	// List of issues (only present if status is degraded or unhealthy)
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP handles GET /api/health.
//
// The datastore is critical: if it is unreachable the service is unhealthy
// (503). An unreadable vector index or an unwatched mount only degrades it
// (200), since search falls back to brute force and Resync re-attaches.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	var issues []string
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.PingContext(checkCtx); err != nil {
		logger.WarnContext(ctx, "database health check failed", "error", err)
		checks["database"] = "error"
		issues = append(issues, "database_unavailable")
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if backend, ok := h.checkIndex(checkCtx, logger); ok {
		checks["vector_index"] = backend
	} else {
		checks["vector_index"] = "error"
		issues = append(issues, "vector_index_unavailable")
	}

	if unwatched, ok := h.checkMounts(checkCtx, logger); !ok {
		checks["mounts"] = "error"
		issues = append(issues, "mounts_unavailable")
	} else if unwatched > 0 {
		checks["mounts"] = fmt.Sprintf("%d not watched", unwatched)
		issues = append(issues, "mounts_not_watched")
	} else {
		checks["mounts"] = "ok"
	}

	if status == "healthy" && len(issues) > 0 {
		status = "degraded"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.ErrorContext(ctx, "failed to encode health response", "error", err)
	}
}

// checkIndex returns the active backend name.
func (h *HealthHandler) checkIndex(ctx context.Context, logger *slog.Logger) (string, bool) {
	stats, err := h.index.Stats(ctx)
	if err != nil {
		logger.WarnContext(ctx, "vector index health check failed", "error", err)
		return "", false
	}
	return stats.Backend, true
}

// checkMounts returns how many mount roots have no running watcher.
func (h *HealthHandler) checkMounts(ctx context.Context, logger *slog.Logger) (int, bool) {
	statuses, err := h.mounts.Mounts(ctx)
	if err != nil {
		logger.WarnContext(ctx, "mount health check failed", "error", err)
		return 0, false
	}
	unwatched := 0
	for _, s := range statuses {
		if !s.Watching {
			unwatched++
		}
	}
	return unwatched, true
}
