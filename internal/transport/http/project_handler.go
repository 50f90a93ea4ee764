package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"

	apierrors "sspdesk/internal/errors"
	"sspdesk/internal/license"
	"sspdesk/internal/middleware"
	"sspdesk/internal/projects"
)

// ProjectService charges and stores saved projects
type ProjectService interface {
	CanCreateProject(ctx context.Context) (bool, error)
	RecordProjectCreated(ctx context.Context) (*license.Record, error)
	SaveProject(ctx context.Context, e projects.Entry) (projects.Entry, error)
	DeleteProject(ctx context.Context, id string) (int, error)
	ListProjects(ctx context.Context) ([]projects.Entry, error)
}

// ProjectRequest is the body of create and update calls
type ProjectRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	Key  string `json:"key,omitempty" validate:"omitempty,max=200"`
}

// ProjectListResponse lists saved projects with quota usage
type ProjectListResponse struct {
	Projects  []projects.Entry `json:"projects"`
	CanCreate bool             `json:"can_create"`
}

// ProjectCreatedResponse is returned after a charged creation
type ProjectCreatedResponse struct {
	Project              projects.Entry `json:"project"`
	ProjectsCreatedTotal int            `json:"projects_created_total"`
	ProjectsLimit        int            `json:"projects_limit"`
}

// ProjectHandler serves /api/projects
type ProjectHandler struct {
	service   ProjectService
	validator *middleware.Validator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(service ProjectService, validator *middleware.Validator, eh *apierrors.ErrorHandler, logger *slog.Logger) *ProjectHandler {
	return &ProjectHandler{
		service:   service,
		validator: validator,
		errors:    eh,
		logger:    logger.With(slog.String("handler", "projects")),
	}
}

// Routes returns a chi router for project endpoints
func (h *ProjectHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// List handles GET /api/projects
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.service.ListProjects(ctx)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	allowed, err := h.service.CanCreateProject(ctx)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []projects.Entry{}
	}
	render.JSON(w, r, ProjectListResponse{Projects: entries, CanCreate: allowed})
}

// Create handles POST /api/projects. The quota is charged before the
// project is stored; a failed save does not refund it.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "project_handler.create")
	defer span.End()

	var req ProjectRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	rec, err := h.service.RecordProjectCreated(ctx)
	if err != nil {
		span.SetAttributes(attribute.String("license.reason", apierrors.ReasonOf(err)))
		h.errors.HandleError(w, r, err)
		return
	}

	entry, err := h.service.SaveProject(ctx, projects.Entry{Name: req.Name, Key: req.Key})
	if err != nil {
		h.logger.ErrorContext(ctx, "Project charged but not saved", slog.String("error", err.Error()))
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Int("license.projects_created_total", rec.ProjectsCreatedTotal))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ProjectCreatedResponse{
		Project:              entry,
		ProjectsCreatedTotal: rec.ProjectsCreatedTotal,
		ProjectsLimit:        rec.ProjectsLimit,
	})
}

// Update handles PUT /api/projects/{id}. Resaving never charges the quota.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req ProjectRequest
	if err := h.validator.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	entries, err := h.service.ListProjects(ctx)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			break
		}
	}
	if !found {
		h.errors.HandleError(w, r, fmt.Errorf("project %s: %w", id, apierrors.ErrProjectNotFound))
		return
	}

	entry, err := h.service.SaveProject(ctx, projects.Entry{ID: id, Name: req.Name, Key: req.Key})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, entry)
}

// Delete handles DELETE /api/projects/{id}. The lifetime counter is kept.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	visible, err := h.service.DeleteProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"projects_used": visible})
}
