// Package crypto provides the non-identity cryptographic helpers the CLI
// needs around a shared Secret: generating fresh secrets, encoding them
// for storage/display, and fingerprinting public keys for short
// human-readable output. The identity derivation itself — turning a
// Secret into the Ed25519 keys the overlay advertises and dials — lives
// in internal/keys; this package never touches Ed25519 private
// material, only opaque secret bytes.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretSize is the length in bytes of a freshly generated Secret,
// matching the "typical length 32" spec.md §3 describes.
const SecretSize = 32

// GenerateSecret returns SecretSize cryptographically random bytes
// suitable for passing to keys.DeriveRoot.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return b, nil
}

// EncodeKey base64-encodes a secret or key for storage in config files
// or display on the command line.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey base64-decodes a secret or key previously produced by
// EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode key: %w", err)
	}
	return b, nil
}

// FingerprintKey returns a short human-readable fingerprint (first 8
// bytes of SHA-256, hex-encoded) of a public key, for display alongside
// the base58 RootPublicKey so two operators can sanity-check a key over
// a side channel without comparing the full encoding.
func FingerprintKey(pub []byte) string {
	h := sha256.Sum256(pub)
	return fmt.Sprintf("%x", h[:8])
}
