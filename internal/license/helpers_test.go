package license

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"sspdesk/internal/infrastructure"
	"sspdesk/internal/projects"
	"sspdesk/internal/remote"
	"sspdesk/internal/storage"
)

const (
	testSecret  = "test-integrity-secret"
	deviceA     = "device-a"
	standardKey = "STD-ABCD-EFGH-IJKL"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeDevice lets a test move the installation between devices
type fakeDevice struct {
	mu sync.Mutex
	fp string
}

func newFakeDevice(fp string) *fakeDevice { return &fakeDevice{fp: fp} }

func (d *fakeDevice) Fingerprint(context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fp
}

func (d *fakeDevice) MoveTo(fp string) {
	d.mu.Lock()
	d.fp = fp
	d.mu.Unlock()
}

// MockVerifier is a mock implementation of remote.Verifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, productID, key string) (remote.Verification, error) {
	args := m.Called(ctx, productID, key)
	return args.Get(0).(remote.Verification), args.Error(1)
}

type testEnv struct {
	kv        *storage.FileStore
	clock     *quartz.Mock
	device    *fakeDevice
	guard     *Guard
	store     *Store
	registry  *projects.Registry
	ledger    *Ledger
	verifier  *MockVerifier
	activator *Activator
	manager   *Manager
}

type envOption func(*ActivatorOptions, *ManagerOptions)

func withBuildTier(tier string) envOption {
	return func(a *ActivatorOptions, m *ManagerOptions) {
		a.Build.BuildTier = tier
		m.Build.BuildTier = tier
	}
}

func withoutVerifier() envOption {
	return func(a *ActivatorOptions, _ *ManagerOptions) { a.Verifier = nil }
}

func withRate(r float64, burst int) envOption {
	return func(a *ActivatorOptions, _ *ManagerOptions) {
		a.Rate = rate.Limit(r)
		a.Burst = burst
	}
}

func withPackaged(p PackagedOpener) envOption {
	return func(_ *ActivatorOptions, m *ManagerOptions) { m.Packaged = p }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := infrastructure.NewLoggerWithWriter(io.Discard, "debug")

	env := &testEnv{
		kv:       storage.NewMemoryStore(),
		clock:    quartz.NewMock(t),
		device:   newFakeDevice(deviceA),
		verifier: &MockVerifier{},
	}
	env.clock.Set(testStart)

	var err error
	env.guard, err = NewGuard(testSecret, "sspdesk")
	require.NoError(t, err)
	env.store = NewStore(env.kv, env.guard, logger, nil)
	env.registry = projects.NewRegistry(env.kv, env.clock, logger)
	env.ledger = NewLedger(env.store, env.registry, logger, nil)

	build := BuildSettings{
		ProductIDs: map[string]string{
			"standard":    "prod-standard",
			"pro_monthly": "prod-pm",
			"pro_yearly":  "prod-py",
			"enterprise":  "prod-ent",
		},
		Features: Features{TrialProjectsLimit: DefaultTrialProjectsLimit},
	}
	aOpts := ActivatorOptions{
		Store:       env.store,
		Verifier:    env.verifier,
		Fingerprint: env.device,
		Clock:       env.clock,
		Build:       build,
		Logger:      logger,
	}
	mOpts := ManagerOptions{
		KV:          env.kv,
		Store:       env.store,
		Ledger:      env.ledger,
		Fingerprint: env.device,
		Clock:       env.clock,
		Build:       build,
		TrialDays:   DefaultTrialDays,
		Logger:      logger,
	}
	for _, o := range opts {
		o(&aOpts, &mOpts)
	}

	env.activator = NewActivator(aOpts)
	mOpts.Activator = env.activator
	env.manager = NewManager(mOpts)
	return env
}

// expectVerified makes the mock verifier accept any key for productID
func (e *testEnv) expectVerified(productID string, nextCharge *time.Time) {
	e.verifier.On("Verify", mock.Anything, productID, mock.Anything).
		Return(remote.Verification{Success: true, ProductID: productID, NextCharge: nextCharge}, nil)
}

// seed stores rec through the guard
func (e *testEnv) seed(t *testing.T, rec *Record) {
	t.Helper()
	require.NoError(t, e.store.Save(context.Background(), rec))
}

func (e *testEnv) load(t *testing.T) *Record {
	t.Helper()
	rec, err := e.store.Load(context.Background())
	require.NoError(t, err)
	return rec
}
