package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sspdesk/internal/infrastructure"
	"sspdesk/internal/storage"
)

// UnknownDevice is returned when no fingerprint can be computed
const UnknownDevice = "unknown-device"

// InstallIDKey is the storage key of the random per-installation id
const InstallIDKey = "install_id"

// DisplayEnv carries display geometry exported by the desktop shell
const DisplayEnv = "SSP_DISPLAY"

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	InstallID   string    `json:"install_id"`
	Hostname    string    `json:"hostname"`
	Locale      string    `json:"locale"`
	Timezone    string    `json:"timezone"`
	Display     string    `json:"display,omitempty"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintProvider computes a stable identifier for this installation.
// The value is computed once and cached for the provider's lifetime.
type FingerprintProvider struct {
	store  storage.Store
	logger *slog.Logger

	// environment lookups, replaceable in tests
	hostname func() (string, error)
	getenv   func(string) string

	mu    sync.Mutex
	cache *DeviceFingerprint
}

// NewFingerprintProvider creates a provider persisting its install id in store
func NewFingerprintProvider(store storage.Store, logger *slog.Logger) *FingerprintProvider {
	return &FingerprintProvider{
		store:    store,
		logger:   infrastructure.WithComponent(logger, "fingerprint"),
		hostname: os.Hostname,
		getenv:   os.Getenv,
	}
}

// Fingerprint returns the hex fingerprint, or UnknownDevice on failure
func (fp *FingerprintProvider) Fingerprint(ctx context.Context) string {
	d, err := fp.Generate(ctx)
	if err != nil {
		fp.logger.WarnContext(ctx, "Device fingerprint unavailable, using sentinel",
			slog.String("error", err.Error()),
		)
		return UnknownDevice
	}
	return d.Fingerprint
}

// Generate combines the environment signals with the install id
func (fp *FingerprintProvider) Generate(ctx context.Context) (*DeviceFingerprint, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.cache != nil {
		cached := *fp.cache
		return &cached, nil
	}

	installID, err := fp.installID(ctx)
	if err != nil {
		return nil, err
	}

	hostname, err := fp.hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}

	d := &DeviceFingerprint{
		InstallID:   installID,
		Hostname:    strings.ToLower(hostname),
		Locale:      fp.locale(),
		Timezone:    time.Local.String(),
		Display:     fp.getenv(DisplayEnv),
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	factors := []string{
		d.InstallID,
		d.OS,
		d.Platform,
		d.Hostname,
		d.Locale,
		d.Timezone,
		d.Display,
	}
	hash := sha256.Sum256([]byte(strings.Join(factors, "|")))
	d.Fingerprint = hex.EncodeToString(hash[:])

	fp.cache = d
	fp.logger.DebugContext(ctx, "Device fingerprint generated",
		slog.String("os", d.OS),
		slog.String("platform", d.Platform),
		slog.String("timezone", d.Timezone),
	)

	cached := *d
	return &cached, nil
}

// Components returns the individual signals for diagnostics
func (fp *FingerprintProvider) Components(ctx context.Context) (map[string]string, error) {
	d, err := fp.Generate(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"hostname": d.Hostname,
		"locale":   d.Locale,
		"timezone": d.Timezone,
		"display":  d.Display,
		"os":       d.OS,
		"platform": d.Platform,
	}, nil
}

// ClearCache forces the next call to recompute the fingerprint
func (fp *FingerprintProvider) ClearCache() {
	fp.mu.Lock()
	fp.cache = nil
	fp.mu.Unlock()
}

func (fp *FingerprintProvider) locale() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := fp.getenv(key); v != "" {
			return v
		}
	}
	return "C"
}

// installID loads the persisted id, creating it on first use
func (fp *FingerprintProvider) installID(ctx context.Context) (string, error) {
	if fp.store == nil {
		return "", errors.New("no storage for install id")
	}

	data, err := fp.store.Get(ctx, InstallIDKey)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		fp.logger.WarnContext(ctx, "Stored install id is malformed, regenerating")
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.NewString()
	if err := fp.store.Set(ctx, InstallIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist install id: %w", err)
	}
	fp.logger.InfoContext(ctx, "New installation id created")
	return id, nil
}
