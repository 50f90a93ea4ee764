package license

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierText(t *testing.T) {
	for _, tier := range Tiers {
		t.Run(tier.String(), func(t *testing.T) {
			text, err := tier.MarshalText()
			require.NoError(t, err)

			var got Tier
			require.NoError(t, got.UnmarshalText(text))
			assert.Equal(t, tier, got)
			assert.NotEqual(t, "Unknown", tier.Label())
		})
	}

	_, err := Tier(42).MarshalText()
	assert.Error(t, err)

	var bad Tier
	assert.Error(t, bad.UnmarshalText([]byte("platinum")))
}

func TestTierFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want Tier
		ok   bool
	}{
		{"STD-1234-5678", TierStandard, true},
		{"pm-1234-5678", TierProMonthly, true},
		{"PY-1234-5678", TierProYearly, true},
		{" ENT-1234-5678", TierEnterprise, true},
		{"DEV-1234-5678", TierDeveloper, true},
		{"XYZ-1234-5678", TierTrial, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := TierFromKey(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordJSONUsesMilliseconds(t *testing.T) {
	expires := time.UnixMilli(1798761600123)
	rec := Record{
		LicenseKeyHash:    "abc",
		Tier:              TierProYearly,
		IssuedAt:          time.UnixMilli(1767225600456),
		ExpiresAt:         &expires,
		DeviceFingerprint: deviceA,
		ProjectsLimit:     Unlimited,
		Source:            SourceRemoteVerified,
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tier":"pro_yearly"`)
	assert.Contains(t, string(data), `"issuedAt":1767225600456`)
	assert.Contains(t, string(data), `"expiresAt":1798761600123`)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, rec.IssuedAt.Equal(got.IssuedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))

	rec.ExpiresAt = nil
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "expiresAt")
}

func TestRecordClone(t *testing.T) {
	expires := testStart.Add(time.Hour)
	rec := &Record{Tier: TierProMonthly, ExpiresAt: &expires}

	c := rec.Clone()
	*c.ExpiresAt = c.ExpiresAt.Add(time.Hour)
	c.ProjectsCreatedTotal = 9

	assert.True(t, expires.Equal(*rec.ExpiresAt))
	assert.Zero(t, rec.ProjectsCreatedTotal)
	assert.Nil(t, (*Record)(nil).Clone())
}

func TestHashKey(t *testing.T) {
	base := HashKey("std-abcd-efgh")
	assert.Len(t, base, 64)

	tests := []struct {
		name string
		key  string
		same bool
	}{
		{"surrounding whitespace", " STD-ABCD-EFGH ", true},
		{"inner whitespace", "STD-ABCD -EFGH", true},
		{"upper case", "STD-ABCD-EFGH", true},
		{"different key", "STD-ABCD-EFGX", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, base, HashKey(tt.key))
			} else {
				assert.NotEqual(t, base, HashKey(tt.key))
			}
		})
	}
}

func TestMaskLicenseKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"STD-ABCD-EFGH-IJKL", "STD-ABCD-****-****"},
		{"std-abcdefghij", "STD-****"},
		{"ABCDEFGHIJ", "ABCD****"},
		{"short", "****"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskLicenseKey(tt.key))
		})
	}
}
