package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/packaged"
	"sspdesk/internal/projects"
	"sspdesk/internal/security"
	"sspdesk/internal/storage"
)

// DeveloperCredentialKey holds the scrypt hash of the developer password
const DeveloperCredentialKey = "ssp_dev_cred"

// DefaultTrialDays is the trial length when none is configured
const DefaultTrialDays = 7

const expiryLayout = "Jan 2, 2006"

// PackagedOpener verifies and decrypts packaged metadata
type PackagedOpener interface {
	Open(b packaged.Blob) (*packaged.Metadata, error)
}

// Status is what the UI renders for the current installation
type Status struct {
	Tier          Tier       `json:"tier"`
	TierLabel     string     `json:"tier_label"`
	Valid         bool       `json:"valid"`
	Validity      Reason     `json:"validity"`
	Source        Source     `json:"source,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExpiryDisplay string     `json:"expiry_display"`
	ProjectsUsed  int        `json:"projects_used"`
	ProjectsLimit int        `json:"projects_limit"`
	RebindsUsed   int        `json:"rebinds_used"`
	RebindLimit   int        `json:"rebind_limit"`
	Features      FeatureSet `json:"features"`
}

// ManagerOptions configures NewManager
type ManagerOptions struct {
	KV          storage.Store
	Store       *Store
	Ledger      *Ledger
	Activator   *Activator
	Packaged    PackagedOpener // nil disables seeding
	Fingerprint Fingerprinter
	Clock       quartz.Clock
	Build       BuildSettings
	TrialDays   int
	Logger      *slog.Logger
	Metrics     *LicenseMetrics
}

// Manager is the application context of the license engine. It owns the
// developer session flag; every operation reloads and re-verifies the
// stored record rather than caching a decision.
type Manager struct {
	kv        storage.Store
	store     *Store
	ledger    *Ledger
	activator *Activator
	packaged  PackagedOpener
	fp        Fingerprinter
	clock     quartz.Clock
	build     BuildSettings
	trialDays int
	logger    *slog.Logger
	metrics   *LicenseMetrics

	mu               sync.RWMutex
	developerSession bool
}

// NewManager creates a manager
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics()
	}
	if opts.TrialDays <= 0 {
		opts.TrialDays = DefaultTrialDays
	}
	return &Manager{
		kv:        opts.KV,
		store:     opts.Store,
		ledger:    opts.Ledger,
		activator: opts.Activator,
		packaged:  opts.Packaged,
		fp:        opts.Fingerprint,
		clock:     opts.Clock,
		build:     opts.Build,
		trialDays: opts.TrialDays,
		logger:    infrastructure.WithComponent(opts.Logger, "license_manager"),
		metrics:   opts.Metrics,
	}
}

// DeveloperSession reports whether developer mode is active
func (m *Manager) DeveloperSession() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.developerSession
}

func (m *Manager) setDeveloperSession(on bool) {
	m.mu.Lock()
	m.developerSession = on
	m.mu.Unlock()
}

// Record returns the verified stored record, or nil
func (m *Manager) Record(ctx context.Context) (*Record, error) {
	return m.store.Load(ctx)
}

func (m *Manager) current(ctx context.Context) (*Record, Decision, error) {
	rec, err := m.store.Load(ctx)
	if err != nil {
		return nil, Decision{EffectiveTier: TierTrial, Reason: ReasonAbsent}, err
	}
	return rec, m.resolve(ctx, rec), nil
}

func (m *Manager) resolve(ctx context.Context, rec *Record) Decision {
	session := m.DeveloperSession()
	d := Resolve(rec, m.clock.Now(), m.fp.Fingerprint(ctx), session)
	// a developer record only counts while the session is open
	if d.Valid && d.EffectiveTier == TierDeveloper && !session {
		d = Decision{EffectiveTier: TierTrial, Valid: false, Reason: ReasonAbsent}
	}
	m.metrics.recordResolution(ctx, d)
	return d
}

// Decision resolves the stored record against the current time and device
func (m *Manager) Decision(ctx context.Context) (Decision, error) {
	_, d, err := m.current(ctx)
	return d, err
}

// Features returns the capability set of the effective tier
func (m *Manager) Features(ctx context.Context) (FeatureSet, error) {
	_, d, err := m.current(ctx)
	if err != nil {
		return m.build.Features.For(TierTrial), err
	}
	return m.build.Features.For(d.EffectiveTier), nil
}

// Status summarises the license for display
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	rec, d, err := m.current(ctx)
	if err != nil {
		return nil, err
	}

	features := m.build.Features.For(d.EffectiveTier)
	st := &Status{
		Tier:          d.EffectiveTier,
		TierLabel:     d.EffectiveTier.Label(),
		Valid:         d.Valid,
		Validity:      d.Reason,
		ProjectsLimit: features.ProjectsLimit,
		RebindLimit:   RebindLimit,
		Features:      features,
	}
	if rec != nil {
		st.Source = rec.Source
		st.ExpiresAt = rec.ExpiresAt
		st.RebindsUsed = rec.RebindCount
		if d.Valid {
			st.ProjectsLimit = rec.ProjectsLimit
		}
	}
	st.ExpiryDisplay = expiryDisplay(rec, d)

	used, err := m.ledger.Reconcile(ctx, rec)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to read project registry", slog.String("error", err.Error()))
	}
	st.ProjectsUsed = used
	return st, nil
}

func expiryDisplay(rec *Record, d Decision) string {
	switch {
	case rec == nil:
		return "Not activated"
	case d.EffectiveTier == TierDeveloper:
		return "Never"
	case rec.ExpiresAt == nil:
		return "Never"
	case d.Reason == ReasonExpired:
		return "Expired " + rec.ExpiresAt.Local().Format(expiryLayout)
	default:
		return rec.ExpiresAt.Local().Format(expiryLayout)
	}
}

func (m *Manager) trialRecord(ctx context.Context, counter int) *Record {
	now := Instant(m.clock.Now())
	expires := now.AddDate(0, 0, m.trialDays)
	return &Record{
		Tier:                 TierTrial,
		IssuedAt:             now,
		ExpiresAt:            &expires,
		DeviceFingerprint:    m.fp.Fingerprint(ctx),
		ProjectsCreatedTotal: counter,
		ProjectsLimit:        m.build.Features.For(TierTrial).ProjectsLimit,
		Source:               SourceLocalTrial,
	}
}

// EnsureTrial provisions a trial when no valid record is stored. An existing
// record, including an expired one, is returned unchanged.
func (m *Manager) EnsureTrial(ctx context.Context) (*Record, bool, error) {
	rec, err := m.store.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		return rec, false, nil
	}

	rec = m.trialRecord(ctx, 0)
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, false, err
	}
	m.logger.InfoContext(ctx, "Trial provisioned",
		slog.Int("trial_days", m.trialDays),
		slog.Int("projects_limit", rec.ProjectsLimit),
	)
	return rec, true, nil
}

// ReturnToTrial replaces the stored record with a fresh trial. The lifetime
// project counter carries over and saved projects beyond the trial limit
// are archived.
func (m *Manager) ReturnToTrial(ctx context.Context) (*Record, error) {
	prev, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	counter := 0
	if prev != nil {
		counter = prev.ProjectsCreatedTotal
	}

	rec := m.trialRecord(ctx, counter)
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	m.setDeveloperSession(false)

	archived, err := m.ledger.TrimTo(ctx, rec.ProjectsLimit)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to trim saved projects", slog.String("error", err.Error()))
	}
	m.logger.InfoContext(ctx, "Returned to trial",
		slog.Int("projects_created_total", counter),
		slog.Int("archived", archived),
	)
	return rec, nil
}

// Activate runs the activation workflow
func (m *Manager) Activate(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	res, err := m.activator.Activate(ctx, req)
	if err == nil {
		m.setDeveloperSession(false)
	}
	return res, err
}

// SeedPackaged creates a record from packaged metadata when none is stored
// or only the local trial is. Any failure leaves storage untouched and the
// installation on Trial; the returned bool reports whether a record was
// written.
func (m *Manager) SeedPackaged(ctx context.Context, blob packaged.Blob) bool {
	ctx, span := tracer().Start(ctx, "license.seed_packaged")
	outcome := "skipped"
	var err error
	defer func() {
		m.metrics.PackagedSeeds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.SetAttributes(attribute.String("license.seed_outcome", outcome))
		endSpan(span, err)
	}()

	if m.packaged == nil {
		return false
	}
	existing, err := m.store.Load(ctx)
	if err != nil {
		outcome = "error"
		m.logger.WarnContext(ctx, "Packaged seeding skipped", slog.String("error", err.Error()))
		return false
	}
	if existing != nil && existing.Source != SourceLocalTrial {
		return false
	}

	rec, err := m.recordFromPackaged(ctx, blob, existing)
	if err != nil {
		outcome = "rejected"
		m.logger.WarnContext(ctx, "Packaged metadata rejected, staying on trial", slog.String("error", err.Error()))
		err = nil
		return false
	}
	if err = m.store.Save(ctx, rec); err != nil {
		outcome = "error"
		m.logger.ErrorContext(ctx, "Failed to save packaged license", slog.String("error", err.Error()))
		return false
	}

	outcome = "seeded"
	m.logger.InfoContext(ctx, "License seeded from packaged metadata",
		slog.String("tier", rec.Tier.String()),
		slog.Int("projects_limit", rec.ProjectsLimit),
	)
	return true
}

func (m *Manager) recordFromPackaged(ctx context.Context, blob packaged.Blob, existing *Record) (*Record, error) {
	meta, err := m.packaged.Open(blob)
	if err != nil {
		return nil, err
	}
	tier, err := ParseTier(meta.Tier)
	if err != nil || tier == TierTrial || tier == TierDeveloper {
		return nil, fmt.Errorf("%w: tier %q cannot be packaged", licenseErrors.ErrMalformedPackagedMetadata, meta.Tier)
	}

	rec := &Record{
		Tier:              tier,
		IssuedAt:          Instant(m.clock.Now()),
		DeviceFingerprint: m.fp.Fingerprint(ctx),
		ProjectsLimit:     m.build.Features.For(tier).ProjectsLimit,
		Source:            SourcePackaged,
	}
	if meta.ExpiresAt != nil {
		t := Instant(*meta.ExpiresAt)
		rec.ExpiresAt = &t
	}
	if meta.ProjectsLimit != nil {
		rec.ProjectsLimit = *meta.ProjectsLimit
	}
	if existing != nil {
		rec.ProjectsCreatedTotal = existing.ProjectsCreatedTotal
	}
	return rec, nil
}

// decisionError maps an invalid decision to its sentinel
func decisionError(d Decision) error {
	switch d.Reason {
	case ReasonExpired:
		return licenseErrors.ErrLicenseExpired
	case ReasonDeviceMismatch:
		return licenseErrors.ErrDeviceMismatch
	default:
		return licenseErrors.ErrLicenseNotActivated
	}
}

// CanCreateProject reports whether the current license allows a new project
func (m *Manager) CanCreateProject(ctx context.Context) (bool, error) {
	rec, d, err := m.current(ctx)
	if err != nil {
		return false, err
	}
	return d.Valid && m.ledger.CanCreateProject(rec), nil
}

// RecordProjectCreated charges one project against the quota
func (m *Manager) RecordProjectCreated(ctx context.Context) (*Record, error) {
	rec, d, err := m.current(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Valid {
		m.metrics.QuotaRejections.Add(ctx, 1)
		return rec, decisionError(d)
	}
	return m.ledger.RecordProjectCreated(ctx, rec)
}

// SaveProject upserts a saved project and returns the stored entry
func (m *Manager) SaveProject(ctx context.Context, e projects.Entry) (projects.Entry, error) {
	rec, err := m.store.Load(ctx)
	if err != nil {
		return projects.Entry{}, err
	}
	return m.ledger.SaveProject(ctx, rec, e)
}

// DeleteProject removes a saved project and returns the visible count
func (m *Manager) DeleteProject(ctx context.Context, id string) (int, error) {
	rec, err := m.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	return m.ledger.DeleteProject(ctx, rec, id)
}

// ListProjects returns saved projects, newest first
func (m *Manager) ListProjects(ctx context.Context) ([]projects.Entry, error) {
	return m.ledger.Projects(ctx)
}

// SetDeveloperCredential stores the hash of password
func (m *Manager) SetDeveloperCredential(ctx context.Context, password string) error {
	encoded, err := security.HashCredential(password)
	if err != nil {
		return err
	}
	return m.kv.Set(ctx, DeveloperCredentialKey, []byte(encoded))
}

// InstallDeveloperCredential stores an already encoded hash unless a
// credential exists. It reports whether the hash was written.
func (m *Manager) InstallDeveloperCredential(ctx context.Context, encoded string) (bool, error) {
	if _, err := security.VerifyCredential(encoded, ""); err != nil {
		return false, fmt.Errorf("invalid developer credential hash: %w", err)
	}
	_, err := m.kv.Get(ctx, DeveloperCredentialKey)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("failed to read developer credential: %w", err)
	}
	if err := m.kv.Set(ctx, DeveloperCredentialKey, []byte(encoded)); err != nil {
		return false, err
	}
	return true, nil
}

// DeveloperLogin checks password and binds a developer record to this
// device. The project counter carries over.
func (m *Manager) DeveloperLogin(ctx context.Context, password string) (*Record, error) {
	encoded, err := m.kv.Get(ctx, DeveloperCredentialKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, licenseErrors.ErrCredentialNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read developer credential: %w", err)
	}
	ok, err := security.VerifyCredential(string(encoded), password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidCredential, err)
	}
	if !ok {
		m.logger.WarnContext(ctx, "Developer login rejected")
		return nil, licenseErrors.ErrInvalidCredential
	}

	existing, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Tier:              TierDeveloper,
		IssuedAt:          Instant(m.clock.Now()),
		DeviceFingerprint: m.fp.Fingerprint(ctx),
		ProjectsLimit:     Unlimited,
		Source:            SourceDeveloper,
	}
	if existing != nil {
		rec.ProjectsCreatedTotal = existing.ProjectsCreatedTotal
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	m.setDeveloperSession(true)
	m.logger.InfoContext(ctx, "Developer session started")
	return rec, nil
}

// DeveloperLogout ends the session and replaces a developer record with a
// trial
func (m *Manager) DeveloperLogout(ctx context.Context) error {
	m.setDeveloperSession(false)
	rec, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.Source != SourceDeveloper {
		return nil
	}
	_, err = m.ReturnToTrial(ctx)
	return err
}

// Watch calls fn with a fresh decision whenever the stored record changes,
// including writes by other windows. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, fn func(Decision)) error {
	w, ok := m.kv.(storage.Watcher)
	if !ok {
		return errors.New("storage does not support change notification")
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Key != StorageKey {
				continue
			}
			d, err := m.Decision(ctx)
			if err != nil {
				m.logger.WarnContext(ctx, "Failed to resolve changed license", slog.String("error", err.Error()))
				continue
			}
			m.logger.DebugContext(ctx, "License record changed",
				slog.String("op", c.Op.String()),
				slog.String("tier", d.EffectiveTier.String()),
				slog.Bool("valid", d.Valid),
			)
			fn(d)
		}
	}
}
