package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "sspdesk/license"
	MeterName  = "sspdesk/license"
)

// LicenseMetrics holds the license engine's OpenTelemetry instruments
type LicenseMetrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	IntegrityViolations metric.Int64Counter
	Resolutions         metric.Int64Counter

	ProjectsCreated metric.Int64Counter
	QuotaRejections metric.Int64Counter

	PackagedSeeds metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ActivationAttempts, "license_activation_attempts_total", "Total number of license activation attempts"},
		{&m.ActivationSuccess, "license_activation_success_total", "Total number of successful license activations"},
		{&m.ActivationFailures, "license_activation_failures_total", "Total number of rejected license activations by reason"},
		{&m.IntegrityViolations, "license_integrity_violations_total", "Total number of stored records discarded by the integrity guard"},
		{&m.Resolutions, "license_resolutions_total", "Total number of entitlement resolutions by reason"},
		{&m.ProjectsCreated, "license_projects_created_total", "Total number of projects recorded against the quota"},
		{&m.QuotaRejections, "license_quota_rejections_total", "Total number of project creations refused by the quota"},
		{&m.PackagedSeeds, "license_packaged_seeds_total", "Total number of packaged metadata seeding attempts by outcome"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	return m, nil
}

// noopMetrics is used when no meter is configured
func noopMetrics() *LicenseMetrics {
	m, _ := InitializeLicenseMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

func (m *LicenseMetrics) recordActivation(ctx context.Context, tier Tier, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tier", tier.String()),
		attribute.String("reason", reason),
	)
	m.ActivationAttempts.Add(ctx, 1, attrs)
	if reason == "" {
		m.ActivationSuccess.Add(ctx, 1, attrs)
	} else {
		m.ActivationFailures.Add(ctx, 1, attrs)
	}
	m.ActivationDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *LicenseMetrics) recordResolution(ctx context.Context, d Decision) {
	m.Resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", d.EffectiveTier.String()),
		attribute.String("reason", string(d.Reason)),
	))
}

// endSpan marks span with the outcome of an operation
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
