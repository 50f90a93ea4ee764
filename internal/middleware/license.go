package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "sspdesk/internal/errors"
	"sspdesk/internal/license"
)

// FeatureChecker resolves the capability set of the current license
type FeatureChecker interface {
	Features(ctx context.Context) (license.FeatureSet, error)
}

// RequireFeature rejects requests with 403 feature_not_licensed unless the
// effective tier enables feature. The license is re-resolved per request.
func RequireFeature(checker FeatureChecker, feature license.Feature, eh *apierrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fs, err := checker.Features(r.Context())
			if err != nil {
				eh.HandleError(w, r, err)
				return
			}
			if !fs.Allows(feature) {
				logger.InfoContext(r.Context(), "feature blocked by license",
					slog.String("feature", string(feature)),
					slog.String("path", r.URL.Path),
				)
				eh.HandleError(w, r, fmt.Errorf("%w: %s", apierrors.ErrFeatureNotLicensed, feature))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
