package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "sspdesk/internal/errors"
	"sspdesk/internal/middleware"
)

// Service is everything the local API needs from the license manager
type Service interface {
	LicenseService
	ProjectService
	middleware.FeatureChecker
	DecisionSource
}

// RouterConfig wires the local API
type RouterConfig struct {
	Service   Service
	WebSocket http.Handler // nil disables /ws
	Metrics   http.Handler // nil disables /metrics
	OTel      *middleware.OTelMiddleware
	RateLimit *middleware.RateLimiter
	CORS      middleware.CORSConfig
	Timeout   time.Duration
	Version   string
	Logger    *slog.Logger
}

// NewRouter builds the chi router serving the UI contract
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	eh := apierrors.NewErrorHandler(logger)
	validator := middleware.NewValidator()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.OTel != nil {
		r.Use(cfg.OTel.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.CORS))

	r.NotFound(eh.NotFound)
	r.MethodNotAllowed(eh.MethodNotAllowed)

	r.Get("/healthz", NewHealthHandler(cfg.Service, cfg.Version, logger).HealthCheck)
	r.Handle("/metrics", NewMetricsHandler(cfg.Metrics, eh))
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.Handler)
		}
		if cfg.Timeout > 0 {
			r.Use(middleware.Timeout(cfg.Timeout))
		}
		r.Mount("/license", NewLicenseHandler(cfg.Service, validator, eh, logger).Routes())
		r.Mount("/projects", NewProjectHandler(cfg.Service, validator, eh, logger).Routes())
		MountFeatureChecks(r, cfg.Service, eh, logger)
	})

	return r
}
