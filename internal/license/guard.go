package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Guard computes and verifies the tamper-evidence digest of a record.
// The keying material ships with the client, so it detects corruption and
// casual edits only.
type Guard struct {
	key []byte
}

// NewGuard derives the HMAC key from secret with HKDF-SHA256. product
// separates records written by differently configured builds.
func NewGuard(secret, product string) (*Guard, error) {
	if secret == "" {
		return nil, errors.New("integrity secret cannot be empty")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("ssp-license-record/"+product))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive integrity key: %w", err)
	}
	return &Guard{key: key}, nil
}

// canonical joins the digested fields in a fixed order. The limit and
// source follow the core fields so a hand-edited ceiling is also caught.
func canonical(rec *Record) string {
	expires := ""
	if rec.ExpiresAt != nil {
		expires = strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)
	}
	return strings.Join([]string{
		rec.LicenseKeyHash,
		rec.Tier.String(),
		strconv.FormatInt(rec.IssuedAt.UnixMilli(), 10),
		expires,
		strconv.Itoa(rec.ProjectsCreatedTotal),
		rec.DeviceFingerprint,
		strconv.Itoa(rec.RebindCount),
		strconv.Itoa(rec.ProjectsLimit),
		string(rec.Source),
	}, "|")
}

// Digest returns the hex HMAC-SHA256 of the record's fields
func (g *Guard) Digest(rec *Record) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(canonical(rec)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares in constant time
func (g *Guard) Verify(rec *Record) bool {
	if rec == nil || rec.IntegrityDigest == "" {
		return false
	}
	want, err := hex.DecodeString(rec.IntegrityDigest)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(g.Digest(rec))
	return hmac.Equal(got, want)
}

// Seal stores a fresh digest on rec
func (g *Guard) Seal(rec *Record) {
	rec.IntegrityDigest = g.Digest(rec)
}
