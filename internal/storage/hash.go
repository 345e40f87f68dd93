package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// Cost 10 is ~60ms per hash; raise to 12 when hardening for production.
	bcryptCost  = 10
	bcryptLimit = 72
)

// bcryptInput prepares an API key for bcrypt. Keys beyond bcrypt's 72-byte
// input limit are pre-hashed with SHA-256 so the full key still contributes
// to the digest.
func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		sum := sha256.Sum256([]byte(apiKey))

		return sum[:]
	}

	return []byte(apiKey)
}

// HashAPIKey generates a salted bcrypt hash of the API key. Keys are never
// persisted in plaintext; only the hash is stored.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether the API key matches the stored bcrypt
// hash. The comparison is constant-time and deliberately slow (~60ms at
// cost 10). Any error condition, including empty inputs or a malformed
// hash, reports false.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}
