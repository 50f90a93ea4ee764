package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sspdesk/internal/config"
)

func TestInitializeLogger(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	logFile := filepath.Join(t.TempDir(), "logs", "test.log")
	logger, err := InitializeLogger(config.LoggingConfig{
		Level:    "info",
		Output:   "file",
		FilePath: logFile,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test message", "key", "value")
	require.NoError(t, CloseLogFile())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(content, &entry))
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "debug")

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "with trace")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		wantDrop bool
	}{
		{level: "debug", wantDrop: false},
		{level: "info", wantDrop: true},
		{level: "WARN", wantDrop: true},
		{level: "bogus", wantDrop: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter(&buf, tt.level).Debug("debug line")
			assert.Equal(t, tt.wantDrop, buf.Len() == 0)
		})
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	first := GetTraceID(ctx)
	assert.NotEmpty(t, first)

	// an existing trace id is preserved
	assert.Equal(t, first, GetTraceID(EnsureTraceID(ctx)))
	assert.Equal(t, first, TraceIDFromContext(ctx))
}

func TestInitializeOTel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "info")

	providers, err := InitializeOTel(config.TelemetryConfig{
		ServiceName:    "sspdesk-test",
		Environment:    "test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		SampleRatio:    1,
	}, logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.PrometheusHTTP)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Tracer)

	counter, err := providers.Meter.Int64Counter("otel_smoke_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "otel_smoke_total"))
}

func TestInitializeOTelRejectsUnknownExporter(t *testing.T) {
	_, err := InitializeOTel(config.TelemetryConfig{
		ServiceName:    "sspdesk-test",
		TraceExporter:  "jaeger",
		MetricExporter: "none",
	}, NewLoggerWithWriter(&bytes.Buffer{}, "error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trace exporter")
}
