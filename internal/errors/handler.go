package errors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"sspdesk/internal/infrastructure"
)

// Problem type URIs for non-license failures
const (
	TypeValidation     = "/errors/validation-failed"
	TypeInvalidRequest = "/errors/invalid-request"
	TypeNotFound       = "/errors/not-found"
	TypeMethodNotAllow = "/errors/method-not-allowed"
	TypeTimeout        = "/errors/request-timeout"
	TypeInternal       = "/errors/internal-server-error"
)

// ErrorHandler renders every handler error as RFC 7807 problem details
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &ErrorHandler{
		logger: logger.With(slog.String("component", "error_handler")),
	}
}

// HandleError converts err to problem details and writes the response.
// License-domain failures are expected outcomes and log at warn.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	level := slog.LevelError
	if IsLicenseError(err) {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "request failed",
		slog.String("error", err.Error()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	_ = render.Render(w, r, h.ErrorToProblem(err, r, traceID))
}

// ErrorToProblem maps err onto a renderer
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request, traceID string) render.Renderer {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		).WithExtension("trace_id", traceID)
	}

	if IsLicenseError(err) {
		return MapLicenseError(err, traceID)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problemType := TypeInvalidRequest
		title := "Bad Request"
		if apiErr.ErrorCode == "VALIDATION_ERROR" {
			problemType = TypeValidation
			title = "Validation Failed"
		}
		problem := NewProblemDetails(apiErr.StatusCode, problemType, title, apiErr.Message, r.URL.Path)
		if apiErr.Details != nil {
			problem.WithExtension("errors", apiErr.Details)
		}
		return problem.WithExtension("trace_id", traceID)
	}

	return MapLicenseError(err, traceID)
}

// NotFound renders a 404 problem for unknown routes
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found",
		"The requested resource was not found", r.URL.Path)
	_ = render.Render(w, r, problem.WithExtension("trace_id", infrastructure.GetTraceID(r.Context())))
}

// MethodNotAllowed renders a 405 problem
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusMethodNotAllowed, TypeMethodNotAllow, "Method Not Allowed",
		"The requested method is not allowed for this resource", r.URL.Path)
	_ = render.Render(w, r, problem.WithExtension("trace_id", infrastructure.GetTraceID(r.Context())))
}
