package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

const checkTimeout = 3 * time.Second

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks    map[string]CheckFunc
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler running checks on every request.
func NewHealthHandler(checks map[string]CheckFunc) *HealthHandler {
	return &HealthHandler{checks: checks, startedAt: time.Now().UTC()}
}

// HealthCheck reports "ok" with 200 when every check passes, otherwise
// "degraded" with 503 and the failing checks.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	status, code := "ok", http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"checks":         results,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
