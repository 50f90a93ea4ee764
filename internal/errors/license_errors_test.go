package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reasonErr struct {
	reason string
	err    error
}

func (e *reasonErr) Error() string      { return e.reason + ": " + e.err.Error() }
func (e *reasonErr) Unwrap() error      { return e.err }
func (e *reasonErr) ReasonCode() string { return e.reason }

// TestMapLicenseError tests status and reason mapping for license errors
func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantReason string
	}{
		{
			name:       "integrity violation looks like no license",
			err:        fmt.Errorf("load: %w", ErrIntegrityViolation),
			wantStatus: http.StatusForbidden,
			wantType:   "/errors/license-not-activated",
			wantReason: "absent",
		},
		{
			name:       "integrity violation ignores carried reason",
			err:        &reasonErr{reason: "digest_mismatch", err: ErrIntegrityViolation},
			wantStatus: http.StatusForbidden,
			wantType:   "/errors/license-not-activated",
			wantReason: "absent",
		},
		{
			name:       "rebind limit",
			err:        ErrRebindLimitReached,
			wantStatus: http.StatusConflict,
			wantType:   "/errors/rebind-limit-reached",
			wantReason: "rebind_limit_reached",
		},
		{
			name:       "remote http status carries its reason",
			err:        &reasonErr{reason: "http_503", err: ErrRemoteRejected},
			wantStatus: http.StatusBadGateway,
			wantType:   "/errors/verification-failed",
			wantReason: "http_503",
		},
		{
			name:       "quota exceeded",
			err:        fmt.Errorf("create project: %w", ErrQuotaExceeded),
			wantStatus: http.StatusForbidden,
			wantType:   "/errors/quota-exceeded",
			wantReason: "quota_exceeded",
		},
		{
			name:       "network error",
			err:        ErrNetworkError,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "/errors/network-error",
			wantReason: "network_error",
		},
		{
			name:       "unknown error is internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem, ok := MapLicenseError(tt.err, "trace-1").(*ProblemDetails)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, "trace-1", problem.Extensions["trace_id"])
			if tt.wantReason == "" {
				assert.NotContains(t, problem.Extensions, "reason")
			} else {
				assert.Equal(t, tt.wantReason, problem.Extensions["reason"])
			}
		})
	}
}

func TestProblemDetailsMarshalJSON(t *testing.T) {
	pd := NewProblemDetails(http.StatusConflict, "/errors/x", "X", "detail", "/api/x").
		WithExtension("reason", "rebind_limit_reached")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "/errors/x", decoded["type"])
	assert.Equal(t, float64(http.StatusConflict), decoded["status"])
	assert.Equal(t, "rebind_limit_reached", decoded["reason"])
}

func TestErrorHandlerHandleError(t *testing.T) {
	h := NewErrorHandler(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"license error", ErrLicenseExpired, http.StatusForbidden},
		{"validation error", NewValidationErrors([]ValidationError{{Field: "key", Message: "required"}}), http.StatusBadRequest},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "json")
		})
	}
}
