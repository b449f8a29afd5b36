// Package handlers implements the HTTP handlers of the calibration API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/redoracle/tgsentinel/internal/api/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler creates a new health handler. checks are probed by Ready.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health check response", "error", err)
	}
}

const readyTimeout = 2 * time.Second

// Ready handles GET /ready. It returns 503 listing the failed dependencies.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	healthy := true

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "health: dependency not ready", "dependency", name, "error", err)

			status[name] = "unavailable"
			healthy = false

			continue
		}

		status[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}

	response.RespondJSON(w, code, status)
}
