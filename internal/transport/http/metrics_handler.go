package http

import (
	"net/http"

	apierrors "sspdesk/internal/errors"
)

// MetricsHandler exposes the Prometheus scrape endpoint
type MetricsHandler struct {
	prom   http.Handler
	errors *apierrors.ErrorHandler
}

// NewMetricsHandler wraps the exporter handler; nil means metrics are off
func NewMetricsHandler(prom http.Handler, eh *apierrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{prom: prom, errors: eh}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.prom == nil {
		h.errors.NotFound(w, r)
		return
	}
	h.prom.ServeHTTP(w, r)
}
