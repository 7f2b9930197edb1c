// Package middleware provides authentication and request logging for the
// assignz HTTP and gRPC transports. Admin API keys are "keyID.secret" tokens
// checked against bcrypt hashes, with legacy SHA-256 hashes still accepted.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// ErrInvalidAPIKey is returned when a token does not match any admin key.
var ErrInvalidAPIKey = errors.New("invalid api key")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash.
// Legacy SHA-256 hashes remain supported for backward compatibility.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}

	return legacyAPIKeyMatchesHash(expectedHash, apiKey)
}

func legacyAPIKeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// AdminKeys maps key IDs to stored secret hashes. It implements
// TokenValidator for tokens of the form "keyID.secret".
type AdminKeys map[string]string

// ParseAdminKeys parses a comma-separated list of "keyID:hash" pairs.
// An empty string yields an empty set.
func ParseAdminKeys(s string) (AdminKeys, error) {
	keys := AdminKeys{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, hash, ok := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		hash = strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("parse admin key %q: want keyID:hash", part)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("parse admin key %q: key id must not contain '.'", id)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("parse admin key %q: duplicate key id", id)
		}
		keys[id] = hash
	}
	return keys, nil
}

// IDs returns the configured key IDs in sorted order.
func (k AdminKeys) IDs() []string {
	ids := make([]string, 0, len(k))
	for id := range k {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateToken checks a "keyID.secret" token and returns the key ID.
func (k AdminKeys) ValidateToken(_ context.Context, token string) (string, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidAPIKey
	}
	hash, ok := k[id]
	if !ok {
		return "", ErrInvalidAPIKey
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", ErrInvalidAPIKey
	}
	return id, nil
}
