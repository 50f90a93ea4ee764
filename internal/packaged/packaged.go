// Package packaged opens the encrypted, checksummed and signed license
// metadata shipped with tier-locked builds, and seals new blobs for the
// packmeta build tool.
//
// Blob layout: base64 of a JSON envelope {iv, authTag, ct} whose SHA-256
// hex is published as the checksum. The AES-256-GCM plaintext is
// {data, sig}; sig is an RSA PKCS#1 v1.5 SHA-256 signature over the raw
// data bytes. The signature may also ship separately.
package packaged

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/security"
)

// Blob is the published artifact: payload, checksum and detached signature
type Blob struct {
	B64      string
	Checksum string
	Sig      string
}

// Metadata is the signed content of a blob
type Metadata struct {
	Tier          string     `json:"tier"`
	ExpiresAt     *time.Time `json:"-"`
	ProjectsLimit *int       `json:"projectsLimit,omitempty"`
}

type metadataJSON struct {
	Tier          string          `json:"tier"`
	ExpiresAt     json.RawMessage `json:"expiresAt,omitempty"`
	ProjectsLimit *int            `json:"projectsLimit,omitempty"`
}

// MarshalJSON writes expiresAt as unix milliseconds
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := metadataJSON{Tier: m.Tier, ProjectsLimit: m.ProjectsLimit}
	if m.ExpiresAt != nil {
		out.ExpiresAt = json.RawMessage(strconv.FormatInt(m.ExpiresAt.UnixMilli(), 10))
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts expiresAt as unix milliseconds or an RFC 3339 string
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var in metadataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metadata{Tier: in.Tier, ProjectsLimit: in.ProjectsLimit}

	raw := strings.TrimSpace(string(in.ExpiresAt))
	if raw == "" || raw == "null" {
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms)
		m.ExpiresAt = &t
		return nil
	}
	var s string
	if err := json.Unmarshal(in.ExpiresAt, &s); err != nil {
		return fmt.Errorf("expiresAt: %w", err)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("expiresAt: %w", err)
	}
	m.ExpiresAt = &t
	return nil
}

type envelope struct {
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
	CT      string `json:"ct"`
}

type payload struct {
	Data json.RawMessage `json:"data"`
	Sig  string          `json:"sig,omitempty"`
}

// Verifier holds the keys embedded in a build
type Verifier struct {
	aesKey []byte
	pub    *rsa.PublicKey
}

// NewVerifier parses the embedded AES key and PEM public key
func NewVerifier(aesKeyHex string, publicKeyPEM []byte) (*Verifier, error) {
	key, err := security.ParseAESKey(aesKeyHex)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Verifier{aesKey: key, pub: pub}, nil
}

func malformed(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", licenseErrors.ErrMalformedPackagedMetadata, step, err)
}

// Open runs checksum, decryption and signature checks in order. Any
// failure returns ErrMalformedPackagedMetadata; nothing is trusted partially.
func (v *Verifier) Open(b Blob) (*Metadata, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b.B64))
	if err != nil {
		return nil, malformed("base64", err)
	}

	want := strings.ToLower(strings.TrimSpace(b.Checksum))
	if want == "" {
		return nil, malformed("checksum", errors.New("checksum missing"))
	}
	sum := sha256.Sum256(decoded)
	if !security.SecureCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) {
		return nil, malformed("checksum", errors.New("checksum mismatch"))
	}

	var env envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, malformed("envelope", err)
	}
	box := &security.SealedBox{}
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"iv", env.IV, &box.Nonce},
		{"authTag", env.AuthTag, &box.AuthTag},
		{"ct", env.CT, &box.Ciphertext},
	} {
		if *f.out, err = base64.StdEncoding.DecodeString(f.in); err != nil {
			return nil, malformed(f.name, err)
		}
	}

	plaintext, err := security.OpenGCM(v.aesKey, box)
	if err != nil {
		return nil, malformed("decrypt", err)
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, malformed("payload", err)
	}
	data := []byte(p.Data)
	if len(data) == 0 || string(data) == "null" {
		data = plaintext
	}

	sigB64 := strings.TrimSpace(b.Sig)
	if sigB64 == "" {
		sigB64 = p.Sig
	}
	if sigB64 == "" {
		return nil, malformed("signature", errors.New("signature missing"))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, malformed("signature", err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, digest[:], sig); err != nil {
		return nil, malformed("signature", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, malformed("metadata", err)
	}
	if meta.Tier == "" {
		return nil, malformed("metadata", errors.New("tier missing"))
	}
	return &meta, nil
}

// ParsePublicKey decodes a PEM SubjectPublicKeyInfo RSA key
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key: no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key: unsupported type %T", key)
	}
	return pub, nil
}
