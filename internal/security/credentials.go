package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SCRYPT parameters for the developer credential
const (
	ScryptN      = 32768
	ScryptR      = 8
	ScryptP      = 1
	ScryptKeyLen = 32
	saltSize     = 16
)

// MinCredentialLength is the shortest developer password accepted
const MinCredentialLength = 8

// ErrMalformedCredentialHash is returned when a stored hash cannot be parsed
var ErrMalformedCredentialHash = errors.New("malformed credential hash")

// deriveKey derives a key using SCRYPT from input data and salt
func deriveKey(inputData, salt []byte, n, r, p int) ([]byte, error) {
	return scrypt.Key(inputData, salt, n, r, p, ScryptKeyLen)
}

// HashCredential returns an encoded scrypt hash of password in the form
// scrypt$N$r$p$salt$hash.
func HashCredential(password string) (string, error) {
	if len(password) < MinCredentialLength {
		return "", fmt.Errorf("credential must be at least %d characters", MinCredentialLength)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey([]byte(password), salt, ScryptN, ScryptR, ScryptP)
	if err != nil {
		return "", fmt.Errorf("key derivation failed: %w", err)
	}
	enc := base64.RawStdEncoding
	return fmt.Sprintf("scrypt$%d$%d$%d$%s$%s",
		ScryptN, ScryptR, ScryptP, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// VerifyCredential checks password against an encoded hash
func VerifyCredential(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return false, ErrMalformedCredentialHash
	}
	params := make([]int, 3)
	for i, s := range parts[1:4] {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return false, ErrMalformedCredentialHash
		}
		params[i] = v
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedCredentialHash
	}
	want, err := enc.DecodeString(parts[5])
	if err != nil || len(want) != ScryptKeyLen {
		return false, ErrMalformedCredentialHash
	}

	got, err := deriveKey([]byte(password), salt, params[0], params[1], params[2])
	if err != nil {
		return false, fmt.Errorf("key derivation failed: %w", err)
	}
	return SecureCompare(got, want), nil
}

// NewSheetsService creates a read-only Sheets client from a service account
// credentials file.
func NewSheetsService(ctx context.Context, credentialsFile string) (*sheets.Service, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheets credentials: %w", err)
	}
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsJSON(data),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return svc, nil
}
