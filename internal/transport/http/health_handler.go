package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"sspdesk/internal/license"
)

// DecisionSource resolves the current entitlement decision
type DecisionSource interface {
	Decision(ctx context.Context) (license.Decision, error)
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Uptime  string           `json:"uptime"`
	License license.Decision `json:"license"`
	Error   string           `json:"error,omitempty"`
}

// HealthHandler reports liveness together with the license decision
type HealthHandler struct {
	source  DecisionSource
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(source DecisionSource, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		source:  source,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /healthz. Storage failures report degraded with
// 503; an invalid license is still healthy.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	d, err := h.source.Decision(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Health check failed to resolve license",
			slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Error = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	resp.License = d
	render.JSON(w, r, resp)
}
