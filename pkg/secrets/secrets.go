// Package secrets handles the encrypted-password format used by database
// provider rows. A value is encrypted iff it carries the format prefix;
// anything else is used verbatim, as is any value when no key is
// configured.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// encPrefix marks a value in the encrypted format: enc:v1:<base64(nonce||ciphertext)>
const encPrefix = "enc:v1:"

// IsEncrypted reports whether value carries the encrypted format
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

func deriveKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// Encrypt seals plaintext under key into the enc:v1 format. Used by
// provisioning tooling and tests.
func Encrypt(plaintext, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("encryption key is required")
	}

	aead, err := chacha20poly1305.NewX(deriveKey(key))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an enc:v1 value with key. Values without the format
// prefix pass through verbatim, as does everything when key is empty.
func Decrypt(value, key string) (string, error) {
	if !IsEncrypted(value) || key == "" {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted value: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(key))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("malformed encrypted value: too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}

	return string(plaintext), nil
}

// DecryptFunc binds a key into the single-argument decrypt shape the
// connection manager takes.
func DecryptFunc(key string) func(string) (string, error) {
	return func(value string) (string, error) {
		return Decrypt(value, key)
	}
}
