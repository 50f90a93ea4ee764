package packaged

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"sspdesk/internal/security"
)

// SealOptions controls how Seal lays out the signature
type SealOptions struct {
	// DetachedSig leaves sig out of the encrypted payload; the caller
	// publishes Blob.Sig alongside the blob.
	DetachedSig bool
}

// Seal signs meta, encrypts it and returns the publishable blob
func Seal(meta Metadata, aesKey []byte, priv *rsa.PrivateKey, opts SealOptions) (Blob, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return Blob{}, fmt.Errorf("marshal metadata: %w", err)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return Blob{}, fmt.Errorf("sign metadata: %w", err)
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	p := payload{Data: data}
	if !opts.DetachedSig {
		p.Sig = sigB64
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return Blob{}, fmt.Errorf("marshal payload: %w", err)
	}

	box, err := security.SealGCM(aesKey, plaintext)
	if err != nil {
		return Blob{}, fmt.Errorf("encrypt payload: %w", err)
	}
	enc := base64.StdEncoding
	envJSON, err := json.Marshal(envelope{
		IV:      enc.EncodeToString(box.Nonce),
		AuthTag: enc.EncodeToString(box.AuthTag),
		CT:      enc.EncodeToString(box.Ciphertext),
	})
	if err != nil {
		return Blob{}, fmt.Errorf("marshal envelope: %w", err)
	}

	sum := sha256.Sum256(envJSON)
	b := Blob{
		B64:      enc.EncodeToString(envJSON),
		Checksum: hex.EncodeToString(sum[:]),
	}
	if opts.DetachedSig {
		b.Sig = sigB64
	}
	return b, nil
}

// GenerateKeyPair returns a PKCS#8 private key and SPKI public key, PEM encoded
func GenerateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

// ParsePrivateKey decodes a PEM PKCS#8 or PKCS#1 RSA private key
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key: unsupported type %T", key)
	}
	return priv, nil
}

// Files names the three published artifacts
type Files struct {
	Blob      string
	Checksum  string
	Signature string
}

// LoadBlob reads a blob from fs. A missing signature file is allowed; a
// missing blob returns os.ErrNotExist.
func LoadBlob(fs afero.Fs, f Files) (Blob, error) {
	b64, err := afero.ReadFile(fs, f.Blob)
	if err != nil {
		return Blob{}, err
	}
	checksum, err := afero.ReadFile(fs, f.Checksum)
	if err != nil {
		return Blob{}, fmt.Errorf("read checksum: %w", err)
	}
	blob := Blob{
		B64:      strings.TrimSpace(string(b64)),
		Checksum: strings.TrimSpace(string(checksum)),
	}
	if f.Signature != "" {
		sig, err := afero.ReadFile(fs, f.Signature)
		switch {
		case err == nil:
			blob.Sig = strings.TrimSpace(string(sig))
		case !errors.Is(err, os.ErrNotExist):
			return Blob{}, fmt.Errorf("read signature: %w", err)
		}
	}
	return blob, nil
}

// WriteBlob writes the artifacts of b into dir
func WriteBlob(fs afero.Fs, dir string, f Files, b Blob) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	write := func(name, content string) error {
		if name == "" || content == "" {
			return nil
		}
		return afero.WriteFile(fs, filepath.Join(dir, name), []byte(content+"\n"), 0o644)
	}
	if err := write(f.Blob, b.B64); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := write(f.Checksum, b.Checksum); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	if err := write(f.Signature, b.Sig); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	return nil
}
