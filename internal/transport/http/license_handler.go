package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/license"
	"sspdesk/internal/middleware"
)

// LicenseService is the license surface the UI drives
type LicenseService interface {
	Status(ctx context.Context) (*license.Status, error)
	Features(ctx context.Context) (license.FeatureSet, error)
	Activate(ctx context.Context, req license.ActivationRequest) (*license.ActivationResult, error)
	EnsureTrial(ctx context.Context) (*license.Record, bool, error)
	ReturnToTrial(ctx context.Context) (*license.Record, error)
	DeveloperLogin(ctx context.Context, password string) (*license.Record, error)
	DeveloperLogout(ctx context.Context) error
}

// DeveloperLoginRequest carries the developer password
type DeveloperLoginRequest struct {
	Password string `json:"password" validate:"required,max=256"`
}

// ActivationResponse reports a successful activation
type ActivationResponse struct {
	Success bool            `json:"success"`
	Rebound bool            `json:"rebound"`
	Status  *license.Status `json:"status"`
	TraceID string          `json:"trace_id"`
}

// TrialResponse reports the outcome of a trial request
type TrialResponse struct {
	Created bool            `json:"created"`
	Status  *license.Status `json:"status"`
}

// LicenseHandler serves /api/license
type LicenseHandler struct {
	service   LicenseService
	validator *middleware.Validator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, validator *middleware.Validator, eh *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errors:    eh,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Get("/features", h.GetFeatures)
	r.Post("/activate", h.Activate)
	r.Post("/trial", h.StartTrial)
	r.Post("/return-to-trial", h.ReturnToTrial)
	r.Post("/developer/login", h.DeveloperLogin)
	r.Post("/developer/logout", h.DeveloperLogout)
	return r
}

func startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	return otel.Tracer("license-handler").Start(r.Context(), name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("component", "license_handler"),
		),
	)
}

// fail records err on span and renders it
func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if reason := apierrors.ReasonOf(err); reason != "" {
		span.SetAttributes(attribute.String("license.reason", reason))
	}
	h.errors.HandleError(w, r, err)
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.get_status")
	defer span.End()

	status, err := h.service.Status(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("license.tier", status.Tier.String()),
		attribute.Bool("license.valid", status.Valid),
	)
	render.JSON(w, r, status)
}

// GetFeatures handles GET /api/license/features
func (h *LicenseHandler) GetFeatures(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.get_features")
	defer span.End()

	fs, err := h.service.Features(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, fs)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.activate")
	defer span.End()

	var req license.ActivationRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	result, err := h.service.Activate(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "License activation failed",
			slog.String("license_key", license.MaskLicenseKey(req.Key)),
			slog.String("reason", apierrors.ReasonOf(err)),
		)
		h.fail(w, r, span, err)
		return
	}

	status, err := h.service.Status(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("license.tier", status.Tier.String()),
		attribute.Bool("license.rebound", result.Rebound),
	)
	render.JSON(w, r, ActivationResponse{
		Success: true,
		Rebound: result.Rebound,
		Status:  status,
		TraceID: infrastructure.GetTraceID(ctx),
	})
}

// StartTrial handles POST /api/license/trial. An existing record is kept.
func (h *LicenseHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.start_trial")
	defer span.End()

	_, created, err := h.service.EnsureTrial(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	status, err := h.service.Status(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, TrialResponse{Created: created, Status: status})
}

// ReturnToTrial handles POST /api/license/return-to-trial
func (h *LicenseHandler) ReturnToTrial(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.return_to_trial")
	defer span.End()

	if _, err := h.service.ReturnToTrial(ctx); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.renderStatus(w, r, span)
}

// DeveloperLogin handles POST /api/license/developer/login
func (h *LicenseHandler) DeveloperLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.developer_login")
	defer span.End()

	var req DeveloperLoginRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	if _, err := h.service.DeveloperLogin(ctx, req.Password); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.renderStatus(w, r, span)
}

// DeveloperLogout handles POST /api/license/developer/logout
func (h *LicenseHandler) DeveloperLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.developer_logout")
	defer span.End()

	if err := h.service.DeveloperLogout(ctx); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.renderStatus(w, r, span)
}

func (h *LicenseHandler) renderStatus(w http.ResponseWriter, r *http.Request, span trace.Span) {
	status, err := h.service.Status(trace.ContextWithSpan(r.Context(), span))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, status)
}
