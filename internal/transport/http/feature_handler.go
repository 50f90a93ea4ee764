package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "sspdesk/internal/errors"
	"sspdesk/internal/license"
	"sspdesk/internal/middleware"
)

// GatedFeatures are the capabilities exposed under /api/<feature>/check
var GatedFeatures = []license.Feature{
	license.FeatureExport,
	license.FeaturePrint,
	license.FeatureShare,
}

// FeatureCheckResponse confirms a gated capability is usable
type FeatureCheckResponse struct {
	Feature license.Feature `json:"feature"`
	Allowed bool            `json:"allowed"`
}

// MountFeatureChecks registers GET /<feature>/check for every gated
// feature behind middleware.RequireFeature
func MountFeatureChecks(r chi.Router, checker middleware.FeatureChecker, eh *apierrors.ErrorHandler, logger *slog.Logger) {
	for _, f := range GatedFeatures {
		f := f
		r.With(middleware.RequireFeature(checker, f, eh, logger)).
			Get("/"+string(f)+"/check", func(w http.ResponseWriter, r *http.Request) {
				render.JSON(w, r, FeatureCheckResponse{Feature: f, Allowed: true})
			})
	}
}
