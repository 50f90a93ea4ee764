package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// License-specific sentinel errors. Callers wrap them with context and
// test with errors.Is.
var (
	ErrLicenseNotActivated       = errors.New("license not activated")
	ErrIntegrityViolation        = errors.New("license integrity violation")
	ErrLicenseExpired            = errors.New("license expired")
	ErrDeviceMismatch            = errors.New("license bound to another device")
	ErrRebindLimitReached        = errors.New("rebind limit reached")
	ErrQuotaExceeded             = errors.New("project quota exceeded")
	ErrNetworkError              = errors.New("network error")
	ErrRemoteRejected            = errors.New("verification service rejected request")
	ErrWrongProduct              = errors.New("license key not valid for this product")
	ErrInvalidLicenseKey         = errors.New("invalid license key")
	ErrTrialBuild                = errors.New("trial build cannot be activated")
	ErrRateLimited               = errors.New("rate limited")
	ErrMalformedPackagedMetadata = errors.New("malformed packaged metadata")
	ErrFeatureNotLicensed        = errors.New("feature not available for license tier")
	ErrInvalidCredential         = errors.New("invalid developer credential")
	ErrCredentialNotSet          = errors.New("developer credential not set")
	ErrProjectNotFound           = errors.New("project not found")
)

// ReasonCoder is implemented by errors that carry a UI reason code such as
// "rebind_limit_reached" or "http_503".
type ReasonCoder interface {
	ReasonCode() string
}

// ReasonError attaches a reason code to a wrapped sentinel
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string      { return e.Reason + ": " + e.Err.Error() }
func (e *ReasonError) Unwrap() error      { return e.Err }
func (e *ReasonError) ReasonCode() string { return e.Reason }

// WithReason wraps err with a reason code
func WithReason(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &ReasonError{Reason: reason, Err: err}
}

// ReasonOf returns the reason code carried by err, or "" when none.
func ReasonOf(err error) string {
	var rc ReasonCoder
	if errors.As(err, &rc) {
		return rc.ReasonCode()
	}
	return ""
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type licenseProblem struct {
	sentinel error
	status   int
	slug     string
	title    string
	detail   string
	reason   string
}

// licenseProblems is ordered; the first sentinel matched by errors.Is wins.
// Integrity violations deliberately render exactly like a missing license.
var licenseProblems = []licenseProblem{
	{ErrIntegrityViolation, http.StatusForbidden, "license-not-activated", "License Not Activated",
		"No active license was found on this device.", "absent"},
	{ErrLicenseNotActivated, http.StatusForbidden, "license-not-activated", "License Not Activated",
		"No active license was found on this device.", "absent"},
	{ErrLicenseExpired, http.StatusForbidden, "license-expired", "License Expired",
		"Your license has expired. Renew your subscription to continue.", "expired"},
	{ErrDeviceMismatch, http.StatusForbidden, "device-mismatch", "Device Mismatch",
		"This license is bound to a different device. Reactivate it on this device.", "device_mismatch"},
	{ErrRebindLimitReached, http.StatusConflict, "rebind-limit-reached", "Rebind Limit Reached",
		"Rebind limit reached for this license. Contact support to reassign.", "rebind_limit_reached"},
	{ErrQuotaExceeded, http.StatusForbidden, "quota-exceeded", "Project Quota Exceeded",
		"Your plan's project limit has been reached. Upgrade to create more projects.", "quota_exceeded"},
	{ErrNetworkError, http.StatusServiceUnavailable, "network-error", "Network Error",
		"Network error. Please check your internet connection and try again.", "network_error"},
	{ErrRemoteRejected, http.StatusBadGateway, "verification-failed", "Verification Failed",
		"The license verification service returned an unexpected response.", ""},
	{ErrWrongProduct, http.StatusUnprocessableEntity, "invalid-or-wrong-product", "Invalid License Key",
		"This license key is not valid for this product tier.", "invalid_or_wrong_product"},
	{ErrInvalidLicenseKey, http.StatusBadRequest, "invalid-license-key", "Invalid License Key",
		"Please enter a valid license key.", "invalid_key"},
	{ErrTrialBuild, http.StatusForbidden, "trial-build", "Activation Unavailable",
		"This is a Trial build. Activation is not available.", "trial_build"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate-limited", "Too Many Attempts",
		"Too many activation attempts. Please wait before trying again.", "rate_limited"},
	{ErrFeatureNotLicensed, http.StatusForbidden, "feature-not-licensed", "Feature Not Licensed",
		"This feature is not available on your current plan.", "feature_not_licensed"},
	{ErrInvalidCredential, http.StatusUnauthorized, "invalid-credential", "Invalid Credential",
		"Incorrect developer password.", "invalid_credential"},
	{ErrCredentialNotSet, http.StatusConflict, "credential-not-set", "Credential Not Set",
		"No developer credential set. Set it first.", "credential_not_set"},
	{ErrProjectNotFound, http.StatusNotFound, "project-not-found", "Project Not Found",
		"The requested project does not exist.", "not_found"},
}

// MapLicenseError converts a license-domain error into an RFC 7807 response.
// The reason extension carries the code the UI keys its message on.
func MapLicenseError(err error, traceID string) render.Renderer {
	for _, lp := range licenseProblems {
		if !errors.Is(err, lp.sentinel) {
			continue
		}
		reason := lp.reason
		if rc := ReasonOf(err); rc != "" && lp.sentinel != ErrIntegrityViolation {
			reason = rc
		}
		problem := NewProblemDetails(
			lp.status,
			"/errors/"+lp.slug,
			lp.title,
			lp.detail,
			fmt.Sprintf("/api/license#%s", traceID),
		)
		if reason != "" {
			problem.WithExtension("reason", reason)
		}
		return problem.WithExtension("trace_id", traceID)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		fmt.Sprintf("/api/license#%s", traceID),
	).WithExtension("trace_id", traceID)
}

// IsLicenseError reports whether err maps to a known license problem.
func IsLicenseError(err error) bool {
	for _, lp := range licenseProblems {
		if errors.Is(err, lp.sentinel) {
			return true
		}
	}
	return false
}
