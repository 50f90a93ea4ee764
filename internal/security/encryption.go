package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// AES-GCM parameters shared by the packaged metadata format
const (
	AESKeySize = 32 // AES-256
	NonceSize  = 12 // 96-bit nonce
	TagSize    = 16 // 128-bit authentication tag
)

// SealedBox is an AES-GCM ciphertext with the authentication tag kept apart
type SealedBox struct {
	Nonce      []byte
	Ciphertext []byte
	AuthTag    []byte
}

// ParseAESKey decodes a hex AES-256 key
func ParseAESKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", AESKeySize, len(key))
	}
	return key, nil
}

// GenerateAESKey returns a random AES-256 key
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SealGCM encrypts plaintext with a fresh nonce and splits off the tag
func SealGCM(key, plaintext []byte) (*SealedBox, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return &SealedBox{
		Nonce:      nonce,
		Ciphertext: sealed[:len(sealed)-TagSize],
		AuthTag:    sealed[len(sealed)-TagSize:],
	}, nil
}

// OpenGCM reassembles ciphertext and tag and decrypts
func OpenGCM(key []byte, box *SealedBox) ([]byte, error) {
	if box == nil {
		return nil, errors.New("sealed box cannot be nil")
	}
	if len(box.Nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(box.Nonce))
	}
	if len(box.AuthTag) != TagSize {
		return nil, fmt.Errorf("auth tag must be %d bytes, got %d", TagSize, len(box.AuthTag))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	full := make([]byte, 0, len(box.Ciphertext)+len(box.AuthTag))
	full = append(full, box.Ciphertext...)
	full = append(full, box.AuthTag...)

	plaintext, err := gcm.Open(nil, box.Nonce, full, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
