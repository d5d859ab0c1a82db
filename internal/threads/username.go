package threads

import (
	"regexp"
	"strings"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 32
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateUsername checks a username before it is sent to the server.
func ValidateUsername(username string) error {
	trimmed := strings.TrimSpace(username)
	switch {
	case trimmed == "":
		return &ValidationError{Field: "username", Reason: "username is required"}
	case len(trimmed) < minUsernameLength:
		return &ValidationError{Field: "username", Reason: "username must be at least 3 characters"}
	case len(trimmed) > maxUsernameLength:
		return &ValidationError{Field: "username", Reason: "username must be at most 32 characters"}
	case !usernamePattern.MatchString(trimmed):
		return &ValidationError{Field: "username", Reason: "username may only contain letters, digits, underscores and hyphens"}
	}
	return nil
}
