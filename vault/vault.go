// Package vault encrypts OAuth refresh tokens before they reach storage.
//
// Tokens are sealed with XChaCha20-Poly1305 under a process-lifetime key.
// Each seal draws a fresh random 24-byte nonce; the stored blob is
// base64(nonce || ciphertext || tag) so storage treats it as one opaque
// string, matching the users.refresh_token column.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrDecryption is returned when a stored blob fails authentication:
// tampered ciphertext, a truncated blob, or a key that does not match.
// It is never accompanied by plaintext.
var ErrDecryption = errors.New("vault: decryption failed")

// Vault seals and opens refresh tokens with a fixed key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte key. The key is injected by the caller
// and is never logged or persisted by this package.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// base64-encoded blob.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any authentication failure
// yields ErrDecryption; callers must treat it as a storage-integrity fault,
// not something a retry can fix.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication tag mismatch", ErrDecryption)
	}
	return string(plaintext), nil
}
