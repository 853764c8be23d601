package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrMissingKey is returned when the vault has no key material.
var ErrMissingKey = errors.New("vault key is not configured")

// CryptoError reports a failed encrypt or decrypt.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

var hkdfInfo = []byte("mailflow credential vault v1")

// Vault encrypts stored passwords and OAuth tokens with AES-256-GCM.
// Ciphertext is base64url(nonce || sealed).
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives a 256-bit key from secret with HKDF-SHA256.
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, &CryptoError{Op: "init", Err: ErrMissingKey}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, &CryptoError{Op: "init", Err: fmt.Errorf("deriving key: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: err}
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", &CryptoError{Op: "encrypt", Err: ErrMissingKey}
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("generating nonce: %w", err)}
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Malformed or tampered input is a CryptoError.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", &CryptoError{Op: "decrypt", Err: ErrMissingKey}
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("decoding ciphertext: %w", err)}
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("ciphertext too short")}
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return string(plaintext), nil
}

// EncryptPtr encrypts a non-empty value and returns nil for "".
func (v *Vault) EncryptPtr(plaintext string) (*string, error) {
	if plaintext == "" {
		return nil, nil
	}
	ct, err := v.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// GenerateKey returns a random 32-byte secret suitable for vault.key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generating vault key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IsCryptoError reports whether err is or wraps a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}
