package license

import (
	"context"
	"fmt"
	"log/slog"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/projects"
)

// Ledger accounts project creation against the record's lifetime counter
// and reconciles it with the saved-project registry.
type Ledger struct {
	store    *Store
	registry *projects.Registry
	logger   *slog.Logger
	metrics  *LicenseMetrics
}

// NewLedger creates a ledger. metrics may be nil.
func NewLedger(store *Store, registry *projects.Registry, logger *slog.Logger, metrics *LicenseMetrics) *Ledger {
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Ledger{
		store:    store,
		registry: registry,
		logger:   infrastructure.WithComponent(logger, "quota_ledger"),
		metrics:  metrics,
	}
}

// CanCreateProject reports whether rec permits another project
func CanCreateProject(rec *Record) bool {
	switch {
	case rec == nil:
		return false
	case rec.Tier == TierDeveloper:
		return true
	case rec.Unlimited():
		return true
	default:
		return rec.ProjectsCreatedTotal < rec.ProjectsLimit
	}
}

// ReconcileVisibleCount is the project count shown to the user: the larger
// of the lifetime counter and the registry size, capped at a finite limit.
func ReconcileVisibleCount(rec *Record, entries []projects.Entry) int {
	if rec == nil {
		return len(entries)
	}
	used := max(rec.ProjectsCreatedTotal, len(entries))
	if rec.Unlimited() {
		return used
	}
	return min(rec.ProjectsLimit, used)
}

// CanCreateProject reports whether rec permits another project
func (l *Ledger) CanCreateProject(rec *Record) bool {
	return CanCreateProject(rec)
}

// RecordProjectCreated increments the counter and persists the record. When
// creation is not allowed it returns ErrQuotaExceeded and changes nothing.
func (l *Ledger) RecordProjectCreated(ctx context.Context, rec *Record) (*Record, error) {
	if !CanCreateProject(rec) {
		l.metrics.QuotaRejections.Add(ctx, 1)
		return rec, licenseErrors.ErrQuotaExceeded
	}

	next := rec.Clone()
	next.ProjectsCreatedTotal++
	if err := l.store.Save(ctx, next); err != nil {
		return rec, fmt.Errorf("failed to record project: %w", err)
	}
	l.metrics.ProjectsCreated.Add(ctx, 1)

	visible, err := l.Reconcile(ctx, next)
	if err != nil {
		// counter is already persisted
		l.logger.WarnContext(ctx, "Project reconciliation failed", slog.String("error", err.Error()))
	}
	l.logger.InfoContext(ctx, "Project recorded against quota",
		slog.Int("projects_created_total", next.ProjectsCreatedTotal),
		slog.Int("projects_limit", next.ProjectsLimit),
		slog.Int("visible", visible),
	)
	return next, nil
}

// Reconcile returns the visible count of rec against the current registry
func (l *Ledger) Reconcile(ctx context.Context, rec *Record) (int, error) {
	entries, err := l.registry.List(ctx)
	if err != nil {
		return ReconcileVisibleCount(rec, nil), err
	}
	return ReconcileVisibleCount(rec, entries), nil
}

// DeleteProject removes a saved project. The lifetime counter is untouched.
func (l *Ledger) DeleteProject(ctx context.Context, rec *Record, id string) (int, error) {
	if err := l.registry.Delete(ctx, id); err != nil {
		return 0, err
	}
	return l.Reconcile(ctx, rec)
}

// SaveProject upserts a saved project summary
func (l *Ledger) SaveProject(ctx context.Context, rec *Record, e projects.Entry) (projects.Entry, error) {
	limit := Unlimited
	if rec != nil {
		limit = rec.ProjectsLimit
	}
	return l.registry.Save(ctx, e, limit)
}

// TrimTo archives saved projects beyond limit
func (l *Ledger) TrimTo(ctx context.Context, limit int) (int, error) {
	return l.registry.TrimTo(ctx, limit)
}

// Projects lists saved projects, newest first
func (l *Ledger) Projects(ctx context.Context) ([]projects.Entry, error) {
	return l.registry.List(ctx)
}
