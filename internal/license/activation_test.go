package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/remote"
)

func TestActivateStandard(t *testing.T) {
	env := newTestEnv(t, withBuildTier("standard"))
	env.expectVerified("prod-standard", nil)

	res, err := env.activator.Activate(context.Background(), ActivationRequest{Key: standardKey})
	require.NoError(t, err)
	assert.Equal(t, StateBound, res.State)
	assert.Equal(t, StateBound, env.activator.State())
	assert.False(t, res.Rebound)

	rec := env.load(t)
	require.NotNil(t, rec)
	assert.Equal(t, TierStandard, rec.Tier)
	assert.Equal(t, StandardProjectsLimit, rec.ProjectsLimit)
	assert.Zero(t, rec.ProjectsCreatedTotal)
	assert.Zero(t, rec.RebindCount)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, deviceA, rec.DeviceFingerprint)
	assert.Equal(t, SourceRemoteVerified, rec.Source)
	assert.Equal(t, HashKey(standardKey), rec.LicenseKeyHash)
	assert.True(t, Instant(testStart).Equal(rec.IssuedAt))

	env.verifier.AssertExpectations(t)
}

func TestActivateSubscriptionExpiry(t *testing.T) {
	charge := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		key        string
		productID  string
		nextCharge *time.Time
		want       time.Time
	}{
		{"charge date from verifier", "PM-1111-2222", "prod-pm", &charge, charge},
		{"monthly fallback", "PM-1111-2222", "prod-pm", nil, testStart.Add(30 * 24 * time.Hour)},
		{"yearly fallback", "PY-1111-2222", "prod-py", nil, testStart.Add(365 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.expectVerified(tt.productID, tt.nextCharge)

			_, err := env.activator.Activate(context.Background(), ActivationRequest{Key: tt.key})
			require.NoError(t, err)

			rec := env.load(t)
			require.NotNil(t, rec.ExpiresAt)
			assert.True(t, tt.want.Equal(*rec.ExpiresAt), "expires %s", rec.ExpiresAt)
			assert.Equal(t, Unlimited, rec.ProjectsLimit)
		})
	}
}

func TestActivateRejections(t *testing.T) {
	tests := []struct {
		name     string
		opts     []envOption
		key      string
		verify   func(m *MockVerifier)
		reason   string
		sentinel error
	}{
		{
			name:     "short key",
			key:      "STD-1",
			reason:   ReasonInvalidKey,
			sentinel: licenseErrors.ErrInvalidLicenseKey,
		},
		{
			name:     "trial build",
			opts:     []envOption{withBuildTier("trial")},
			key:      standardKey,
			reason:   ReasonTrialBuild,
			sentinel: licenseErrors.ErrTrialBuild,
		},
		{
			name:     "unknown prefix",
			key:      "XYZ-1234-5678",
			reason:   ReasonInvalidKey,
			sentinel: licenseErrors.ErrInvalidLicenseKey,
		},
		{
			name:     "developer prefix",
			key:      "DEV-1234-5678",
			reason:   ReasonInvalidKey,
			sentinel: licenseErrors.ErrInvalidLicenseKey,
		},
		{
			name: "network error",
			key:  standardKey,
			verify: func(m *MockVerifier) {
				m.On("Verify", mock.Anything, "prod-standard", standardKey).
					Return(remote.Verification{}, licenseErrors.WithReason(licenseErrors.ErrNetworkError, remote.ReasonNetworkError))
			},
			reason:   remote.ReasonNetworkError,
			sentinel: licenseErrors.ErrNetworkError,
		},
		{
			name: "untagged verifier error is a network error",
			key:  standardKey,
			verify: func(m *MockVerifier) {
				m.On("Verify", mock.Anything, "prod-standard", standardKey).
					Return(remote.Verification{}, errors.New("connection reset"))
			},
			reason:   remote.ReasonNetworkError,
			sentinel: licenseErrors.ErrNetworkError,
		},
		{
			name: "http status",
			key:  standardKey,
			verify: func(m *MockVerifier) {
				m.On("Verify", mock.Anything, "prod-standard", standardKey).
					Return(remote.Verification{}, licenseErrors.WithReason(licenseErrors.ErrRemoteRejected, "http_503"))
			},
			reason:   "http_503",
			sentinel: licenseErrors.ErrRemoteRejected,
		},
		{
			name: "unsuccessful verification",
			key:  standardKey,
			verify: func(m *MockVerifier) {
				m.On("Verify", mock.Anything, "prod-standard", standardKey).
					Return(remote.Verification{Success: false}, nil)
			},
			reason:   remote.ReasonWrongProduct,
			sentinel: licenseErrors.ErrWrongProduct,
		},
		{
			name: "bound to another product",
			key:  standardKey,
			verify: func(m *MockVerifier) {
				m.On("Verify", mock.Anything, "prod-standard", standardKey).
					Return(remote.Verification{Success: true, ProductID: "prod-ent"}, nil)
			},
			reason:   remote.ReasonWrongProduct,
			sentinel: licenseErrors.ErrWrongProduct,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.opts...)
			if tt.verify != nil {
				tt.verify(env.verifier)
			}
			prior := sampleRecord()
			env.seed(t, prior)

			res, err := env.activator.Activate(context.Background(), ActivationRequest{Key: tt.key})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.reason, licenseErrors.ReasonOf(err))
			assert.Equal(t, StateRejected, res.State)
			assert.Equal(t, tt.reason, res.Reason)

			assert.Equal(t, prior.IntegrityDigest, env.load(t).IntegrityDigest, "rejection leaves the record untouched")
			env.verifier.AssertExpectations(t)
		})
	}
}

func TestActivateOfflineWithoutVerifier(t *testing.T) {
	env := newTestEnv(t, withoutVerifier())

	res, err := env.activator.Activate(context.Background(), ActivationRequest{Key: "ENT-1234-5678"})
	require.NoError(t, err)
	assert.Equal(t, StateBound, res.State)

	rec := env.load(t)
	assert.Equal(t, TierEnterprise, rec.Tier)
	assert.Equal(t, SourceLocalKey, rec.Source)
	env.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestActivateRebindPolicy(t *testing.T) {
	env := newTestEnv(t, withBuildTier("standard"))
	env.expectVerified("prod-standard", nil)
	ctx := context.Background()
	req := ActivationRequest{Key: standardKey}

	_, err := env.activator.Activate(ctx, req)
	require.NoError(t, err)

	// two projects on device A
	for i := 0; i < 2; i++ {
		_, err = env.ledger.RecordProjectCreated(ctx, env.load(t))
		require.NoError(t, err)
	}

	for i, device := range []string{"device-b", "device-c"} {
		env.device.MoveTo(device)
		res, err := env.activator.Activate(ctx, req)
		require.NoError(t, err, "rebind %d", i+1)
		assert.True(t, res.Rebound)

		rec := env.load(t)
		assert.Equal(t, i+1, rec.RebindCount)
		assert.Equal(t, device, rec.DeviceFingerprint)
		assert.Equal(t, 2, rec.ProjectsCreatedTotal, "counter survives rebind")
	}

	env.device.MoveTo("device-d")
	res, err := env.activator.Activate(ctx, req)
	assert.ErrorIs(t, err, licenseErrors.ErrRebindLimitReached)
	assert.Equal(t, ReasonRebindLimitReached, res.Reason)

	rec := env.load(t)
	assert.Equal(t, RebindLimit, rec.RebindCount)
	assert.Equal(t, "device-c", rec.DeviceFingerprint)
}

func TestActivateContactDetailsDoNotChangeKeyIdentity(t *testing.T) {
	tests := []struct {
		name        string
		rebindWith  ActivationRequest
		finalDevice string
		finalReq    ActivationRequest
		wantErr     error
		wantRebinds int
		wantDevice  string
	}{
		{
			name:        "fourth device with another email hits the limit",
			rebindWith:  ActivationRequest{Key: standardKey, Email: "a@x.com"},
			finalDevice: "device-d",
			finalReq:    ActivationRequest{Key: standardKey, Email: "other@x.com"},
			wantErr:     licenseErrors.ErrRebindLimitReached,
			wantRebinds: RebindLimit,
			wantDevice:  "device-c",
		},
		{
			name:        "fourth device with a new phone hits the limit",
			rebindWith:  ActivationRequest{Key: standardKey, Phone: "+1 555 0100"},
			finalDevice: "device-d",
			finalReq:    ActivationRequest{Key: " std-abcd-efgh-ijkl ", Phone: "+1 555 0199"},
			wantErr:     licenseErrors.ErrRebindLimitReached,
			wantRebinds: RebindLimit,
			wantDevice:  "device-c",
		},
		{
			name:        "same device with another email keeps the counters",
			rebindWith:  ActivationRequest{Key: standardKey, Email: "a@x.com"},
			finalDevice: "device-c",
			finalReq:    ActivationRequest{Key: standardKey, Email: "other@x.com"},
			wantRebinds: RebindLimit,
			wantDevice:  "device-c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withBuildTier("standard"))
			env.expectVerified("prod-standard", nil)
			ctx := context.Background()

			_, err := env.activator.Activate(ctx, tt.rebindWith)
			require.NoError(t, err)
			for _, device := range []string{"device-b", "device-c"} {
				env.device.MoveTo(device)
				_, err = env.activator.Activate(ctx, tt.rebindWith)
				require.NoError(t, err)
			}
			for i := 0; i < 5; i++ {
				_, err = env.ledger.RecordProjectCreated(ctx, env.load(t))
				require.NoError(t, err)
			}

			env.device.MoveTo(tt.finalDevice)
			res, err := env.activator.Activate(ctx, tt.finalReq)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, ReasonRebindLimitReached, res.Reason)
			} else {
				require.NoError(t, err)
				assert.False(t, res.Rebound)
			}

			rec := env.load(t)
			assert.Equal(t, tt.wantRebinds, rec.RebindCount)
			assert.Equal(t, 5, rec.ProjectsCreatedTotal, "lifetime counter survives")
			assert.Equal(t, tt.wantDevice, rec.DeviceFingerprint)
			assert.Equal(t, HashKey(standardKey), rec.LicenseKeyHash)
		})
	}
}

func TestActivateSameDeviceIsNotRebind(t *testing.T) {
	env := newTestEnv(t, withBuildTier("standard"))
	env.expectVerified("prod-standard", nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := env.activator.Activate(ctx, ActivationRequest{Key: standardKey})
		require.NoError(t, err)
		assert.False(t, res.Rebound)
	}
	assert.Zero(t, env.load(t).RebindCount)
}

func TestActivateNewKeyStartsFresh(t *testing.T) {
	env := newTestEnv(t, withBuildTier("standard"))
	env.expectVerified("prod-standard", nil)

	old := sampleRecord()
	old.LicenseKeyHash = HashKey("STD-OLD0-0000-0000")
	old.ProjectsCreatedTotal = 4
	old.RebindCount = 2
	env.seed(t, old)

	_, err := env.activator.Activate(context.Background(), ActivationRequest{Key: standardKey})
	require.NoError(t, err)

	rec := env.load(t)
	assert.Zero(t, rec.ProjectsCreatedTotal)
	assert.Zero(t, rec.RebindCount)
}

func TestActivateRateLimited(t *testing.T) {
	env := newTestEnv(t, withBuildTier("standard"), withRate(0.1, 2))
	env.expectVerified("prod-standard", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.activator.Activate(ctx, ActivationRequest{Key: standardKey})
		require.NoError(t, err)
	}

	res, err := env.activator.Activate(ctx, ActivationRequest{Key: standardKey})
	assert.ErrorIs(t, err, licenseErrors.ErrRateLimited)
	assert.Equal(t, ReasonRateLimited, res.Reason)

	env.clock.Advance(10 * time.Second).MustWait(ctx)
	_, err = env.activator.Activate(ctx, ActivationRequest{Key: standardKey})
	assert.NoError(t, err, "token refills on the injected clock")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "verifying", StateVerifying.String())
	assert.Equal(t, "bound", StateBound.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(9).String())
}
