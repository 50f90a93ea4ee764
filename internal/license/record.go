package license

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// Unlimited marks a tier without a project ceiling
const Unlimited = -1

// RebindLimit is the number of times one key may move to a new device
const RebindLimit = 2

// MinKeyLength is the shortest license key accepted for activation
const MinKeyLength = 8

// Source records how a license record came to exist
type Source string

const (
	SourceLocalTrial     Source = "local-trial"
	SourceRemoteVerified Source = "remote-verified"
	SourcePackaged       Source = "packaged"
	SourceDeveloper      Source = "developer"
)

// Record is the single authoritative license record of an installation.
// Raw license keys are never stored, only LicenseKeyHash.
type Record struct {
	LicenseKeyHash       string
	Tier                 Tier
	IssuedAt             time.Time
	ExpiresAt            *time.Time
	DeviceFingerprint    string
	ProjectsCreatedTotal int
	ProjectsLimit        int
	RebindCount          int
	Source               Source
	IntegrityDigest      string
}

// recordJSON is the persisted form; instants are unix milliseconds
type recordJSON struct {
	LicenseKeyHash       string `json:"licenseKeyHash"`
	Tier                 Tier   `json:"tier"`
	IssuedAt             int64  `json:"issuedAt"`
	ExpiresAt            *int64 `json:"expiresAt,omitempty"`
	DeviceFingerprint    string `json:"deviceFingerprint"`
	ProjectsCreatedTotal int    `json:"projectsCreatedTotal"`
	ProjectsLimit        int    `json:"projectsLimit"`
	RebindCount          int    `json:"rebindCount"`
	Source               Source `json:"source"`
	IntegrityDigest      string `json:"integrityDigest"`
}

// MarshalJSON implements json.Marshaler
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		LicenseKeyHash:       r.LicenseKeyHash,
		Tier:                 r.Tier,
		IssuedAt:             r.IssuedAt.UnixMilli(),
		DeviceFingerprint:    r.DeviceFingerprint,
		ProjectsCreatedTotal: r.ProjectsCreatedTotal,
		ProjectsLimit:        r.ProjectsLimit,
		RebindCount:          r.RebindCount,
		Source:               r.Source,
		IntegrityDigest:      r.IntegrityDigest,
	}
	if r.ExpiresAt != nil {
		ms := r.ExpiresAt.UnixMilli()
		out.ExpiresAt = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record{
		LicenseKeyHash:       in.LicenseKeyHash,
		Tier:                 in.Tier,
		IssuedAt:             time.UnixMilli(in.IssuedAt),
		DeviceFingerprint:    in.DeviceFingerprint,
		ProjectsCreatedTotal: in.ProjectsCreatedTotal,
		ProjectsLimit:        in.ProjectsLimit,
		RebindCount:          in.RebindCount,
		Source:               in.Source,
		IntegrityDigest:      in.IntegrityDigest,
	}
	if in.ExpiresAt != nil {
		t := time.UnixMilli(*in.ExpiresAt)
		r.ExpiresAt = &t
	}
	return nil
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Unlimited reports whether the record has no project ceiling
func (r *Record) Unlimited() bool {
	return r.ProjectsLimit == Unlimited
}

// Instant truncates t to the millisecond precision of the persisted form
func Instant(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

// NormalizeKey uppercases a key and strips whitespace
func NormalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, key)
}

// HashKey returns the hex SHA-256 of the normalized key. Contact details
// entered at activation are not part of key identity.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(key)))
	return hex.EncodeToString(sum[:])
}

// MaskLicenseKey masks a license key for logs (STD-ABCD-****-****)
func MaskLicenseKey(key string) string {
	key = NormalizeKey(key)
	if len(key) < MinKeyLength {
		return "****"
	}
	if strings.Contains(key, "-") {
		parts := strings.Split(key, "-")
		keep := 2
		if len(parts) == 2 {
			keep = 1
		}
		if len(parts) >= 2 {
			masked := strings.Join(parts[:keep], "-")
			for i := keep; i < len(parts); i++ {
				masked += "-****"
			}
			return masked
		}
	}
	return key[:4] + "****"
}
