package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey = errors.New("auth: api key must be configured")
	ErrInvalidAPIKey = errors.New("auth: invalid api key")
)

// APIKeyVerifier checks the shared key clients exchange for access tokens.
type APIKeyVerifier struct {
	key []byte
}

func NewAPIKeyVerifier(key string) (*APIKeyVerifier, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, ErrMissingAPIKey
	}
	return &APIKeyVerifier{key: []byte(trimmed)}, nil
}

// Verify compares in constant time.
func (v *APIKeyVerifier) Verify(candidate string) error {
	if subtle.ConstantTimeCompare(v.key, []byte(strings.TrimSpace(candidate))) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
