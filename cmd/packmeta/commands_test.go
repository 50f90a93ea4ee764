package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sspdesk/internal/security"
)

func execute(t *testing.T, fs afero.Fs, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(fs)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSealAndVerify(t *testing.T) {
	fs := afero.NewMemMapFs()

	out, err := execute(t, fs, "", "keygen", "--out", "/keys")
	require.NoError(t, err)
	assert.Contains(t, out, "Keys written to /keys")
	for _, name := range []string{privateKeyFile, publicKeyFile, aesKeyFile} {
		exists, err := afero.Exists(fs, "/keys/"+name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}

	_, err = execute(t, fs, "", "keygen", "--out", "/keys")
	assert.ErrorContains(t, err, "already exists")

	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{
			name:     "embedded signature",
			args:     []string{"--tier", "enterprise", "--expires", "2027-12-31", "--projects-limit", "40"},
			contains: []string{"Tier: enterprise", "Expires: 2027-12-31T23:59:59Z", "Projects limit: 40"},
		},
		{
			name:     "detached signature",
			args:     []string{"--tier", "standard", "--detached-sig"},
			contains: []string{"Tier: standard", "Expires: never"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"seal", "--keys", "/keys", "--out", "/dist"}, tt.args...)
			out, err := execute(t, fs, "", args...)
			require.NoError(t, err)
			assert.Contains(t, out, "Sealed ")

			out, err = execute(t, fs, "", "verify", "--dir", "/dist", "--keys", "/keys")
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}

	t.Run("tampered blob", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "/dist/meta.checksum", []byte("00\n"), 0o644))
		_, err := execute(t, fs, "", "verify", "--dir", "/dist", "--keys", "/keys")
		assert.ErrorContains(t, err, "checksum")
	})
}

func TestSealRejectsTier(t *testing.T) {
	tests := []struct {
		name string
		tier string
	}{
		{"trial", "trial"},
		{"developer", "developer"},
		{"unknown", "gold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, afero.NewMemMapFs(), "", "seal", "--tier", tt.tier)
			assert.Error(t, err)
		})
	}
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, afero.NewMemMapFs(), "s3cret\n", "hash-password")
	require.NoError(t, err)

	encoded := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(encoded, "scrypt$"))
	ok, err := security.VerifyCredential(encoded, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, afero.NewMemMapFs(), "", "hash-password")
	assert.Error(t, err)
}

func TestParseExpiry(t *testing.T) {
	d, err := parseExpiry("2027-01-15")
	require.NoError(t, err)
	assert.Equal(t, "2027-01-15T23:59:59.999Z", d.Format("2006-01-02T15:04:05.000Z07:00"))

	_, err = parseExpiry("15/01/2027")
	assert.Error(t, err)
}
