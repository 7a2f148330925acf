// Package auth generates and verifies tenant API keys. Only the SHA-256
// hash of a key is ever persisted.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyPrefix marks keys issued by this service.
const KeyPrefix = "dk_"

// GenerateAPIKey returns a new random API key. The plaintext is shown to
// the caller once and never stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey returns the hex SHA-256 digest of a key, the form stored in
// the tenant record.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
