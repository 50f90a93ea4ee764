package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/remote"
)

// Fallback subscription periods when the verifier reports no charge date
const (
	monthlyPeriod = 30 * 24 * time.Hour
	yearlyPeriod  = 365 * 24 * time.Hour
)

// SourceLocalKey marks a key accepted offline because no verifier is configured
const SourceLocalKey Source = "local-key"

// State is the activation workflow state
type State int

const (
	StateIdle State = iota
	StateVerifying
	StateBound
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateVerifying:
		return "verifying"
	case StateBound:
		return "bound"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Rejection reasons produced by the workflow itself
const (
	ReasonInvalidKey         = "invalid_key"
	ReasonTrialBuild         = "trial_build"
	ReasonRebindLimitReached = "rebind_limit_reached"
	ReasonRateLimited        = "rate_limited"
)

// Fingerprinter supplies the current device fingerprint
type Fingerprinter interface {
	Fingerprint(ctx context.Context) string
}

// ActivationRequest is a key plus optional contact details. Key length is
// checked by the activator so short keys are rejected as invalid_key.
type ActivationRequest struct {
	Key   string `json:"key" validate:"required,max=128"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// ActivationResult describes a finished attempt
type ActivationResult struct {
	State   State   `json:"-"`
	Reason  string  `json:"reason,omitempty"`
	Record  *Record `json:"-"`
	Rebound bool    `json:"rebound"`
}

// BuildSettings pin what a build may activate
type BuildSettings struct {
	// BuildTier is the tier-locked product of this build; empty means the
	// tier is derived from the key prefix, "trial" disables activation.
	BuildTier  string
	ProductIDs map[string]string
	Features   Features
}

// TrialBuild reports whether activation is disabled
func (b BuildSettings) TrialBuild() bool {
	return b.BuildTier == TierTrial.String()
}

// tierFor resolves the tier a key activates in this build
func (b BuildSettings) tierFor(key string) (Tier, error) {
	if b.BuildTier != "" {
		t, err := ParseTier(b.BuildTier)
		if err != nil {
			return TierTrial, err
		}
		return t, nil
	}
	t, ok := TierFromKey(key)
	if !ok || t == TierDeveloper {
		return TierTrial, errors.New("key prefix does not name a product tier")
	}
	return t, nil
}

// Activator runs the Idle → Verifying → Bound|Rejected workflow
type Activator struct {
	store    *Store
	verifier remote.Verifier
	fp       Fingerprinter
	clock    quartz.Clock
	build    BuildSettings
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *LicenseMetrics

	mu    sync.Mutex
	state State
}

// ActivatorOptions configures NewActivator
type ActivatorOptions struct {
	Store       *Store
	Verifier    remote.Verifier // nil accepts keys offline
	Fingerprint Fingerprinter
	Clock       quartz.Clock
	Build       BuildSettings
	Rate        rate.Limit
	Burst       int
	Logger      *slog.Logger
	Metrics     *LicenseMetrics
}

// NewActivator creates an activator in the Idle state
func NewActivator(opts ActivatorOptions) *Activator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics()
	}
	if opts.Rate == 0 {
		opts.Rate = rate.Inf
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Activator{
		store:    opts.Store,
		verifier: opts.Verifier,
		fp:       opts.Fingerprint,
		clock:    opts.Clock,
		build:    opts.Build,
		limiter:  rate.NewLimiter(opts.Rate, opts.Burst),
		logger:   infrastructure.WithComponent(opts.Logger, "activator"),
		metrics:  opts.Metrics,
		state:    StateIdle,
	}
}

// State returns the state of the latest attempt
func (a *Activator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Activator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Activate verifies req and binds a new record to this device. Every
// rejection leaves the stored record untouched and is returned as an error
// carrying its reason code.
func (a *Activator) Activate(ctx context.Context, req ActivationRequest) (result *ActivationResult, err error) {
	ctx, span := tracer().Start(ctx, "license.activate")
	start := a.clock.Now()
	tier := TierTrial

	defer func() {
		reason := ""
		if err != nil {
			reason = licenseErrors.ReasonOf(err)
		}
		a.metrics.recordActivation(ctx, tier, reason, a.clock.Since(start))
		span.SetAttributes(
			attribute.String("license.tier", tier.String()),
			attribute.String("license.reason", reason),
		)
		endSpan(span, err)
	}()

	if !a.limiter.AllowN(a.clock.Now(), 1) {
		return a.reject(ctx, req, ReasonRateLimited, licenseErrors.ErrRateLimited)
	}

	a.setState(StateVerifying)

	key := strings.TrimSpace(req.Key)
	if len(NormalizeKey(key)) < MinKeyLength {
		return a.reject(ctx, req, ReasonInvalidKey, licenseErrors.ErrInvalidLicenseKey)
	}
	if a.build.TrialBuild() {
		return a.reject(ctx, req, ReasonTrialBuild, licenseErrors.ErrTrialBuild)
	}

	tier, err = a.build.tierFor(key)
	if err != nil {
		return a.reject(ctx, req, ReasonInvalidKey, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidLicenseKey, err))
	}

	source := SourceLocalKey
	var verification remote.Verification
	if a.verifier != nil {
		productID := a.build.ProductIDs[tier.String()]
		verification, err = a.verifier.Verify(ctx, productID, key)
		if err != nil {
			reason := licenseErrors.ReasonOf(err)
			if reason == "" {
				reason = remote.ReasonNetworkError
				err = fmt.Errorf("%w: %v", licenseErrors.ErrNetworkError, err)
			}
			return a.reject(ctx, req, reason, err)
		}
		if !verification.Success || (verification.ProductID != "" && verification.ProductID != productID) {
			return a.reject(ctx, req, remote.ReasonWrongProduct, licenseErrors.ErrWrongProduct)
		}
		source = SourceRemoteVerified
	}

	fingerprint := a.fp.Fingerprint(ctx)
	keyHash := HashKey(key)
	now := Instant(a.clock.Now())

	// reload after the network call; another window may have written
	existing, err := a.store.Load(ctx)
	if err != nil {
		a.setState(StateRejected)
		return &ActivationResult{State: StateRejected}, fmt.Errorf("failed to load license record: %w", err)
	}

	rec := &Record{
		LicenseKeyHash:    keyHash,
		Tier:              tier,
		IssuedAt:          now,
		ExpiresAt:         a.expiry(tier, now, verification.NextCharge),
		DeviceFingerprint: fingerprint,
		ProjectsLimit:     a.build.Features.For(tier).ProjectsLimit,
		Source:            source,
	}

	rebound := false
	if existing != nil && existing.LicenseKeyHash == keyHash {
		rec.ProjectsCreatedTotal = existing.ProjectsCreatedTotal
		rec.RebindCount = existing.RebindCount
		if existing.DeviceFingerprint != "" && existing.DeviceFingerprint != fingerprint {
			if existing.RebindCount >= RebindLimit {
				return a.reject(ctx, req, ReasonRebindLimitReached, licenseErrors.ErrRebindLimitReached)
			}
			rec.RebindCount = existing.RebindCount + 1
			rebound = true
		}
	}

	if err := a.store.Save(ctx, rec); err != nil {
		a.setState(StateRejected)
		return &ActivationResult{State: StateRejected}, fmt.Errorf("failed to save license record: %w", err)
	}

	a.setState(StateBound)
	a.logger.InfoContext(ctx, "License activated",
		slog.String("license_key", MaskLicenseKey(key)),
		slog.String("tier", tier.String()),
		slog.String("source", string(source)),
		slog.Int("rebind_count", rec.RebindCount),
		slog.Bool("rebound", rebound),
	)
	return &ActivationResult{State: StateBound, Record: rec, Rebound: rebound}, nil
}

func (a *Activator) reject(ctx context.Context, req ActivationRequest, reason string, cause error) (*ActivationResult, error) {
	a.setState(StateRejected)
	a.logger.WarnContext(ctx, "License activation rejected",
		slog.String("license_key", MaskLicenseKey(req.Key)),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	return &ActivationResult{State: StateRejected, Reason: reason}, licenseErrors.WithReason(cause, reason)
}

// expiry returns the charge date for subscriptions and nil otherwise
func (a *Activator) expiry(tier Tier, now time.Time, nextCharge *time.Time) *time.Time {
	if !tier.IsSubscription() {
		return nil
	}
	var t time.Time
	switch {
	case nextCharge != nil:
		t = Instant(*nextCharge)
	case tier == TierProYearly:
		t = now.Add(yearlyPeriod)
	default:
		t = now.Add(monthlyPeriod)
	}
	return &t
}
