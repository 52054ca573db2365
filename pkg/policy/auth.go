package policy

import (
	"crypto/subtle"
	"strings"
)

// APIKeyHeader carries the server API key on requests.
const APIKeyHeader = "X-Aether-Api-Key"

// ExtractAPIKey returns the key from the explicit header, falling back to a bearer token.
func ExtractAPIKey(explicit, authorization string) string {
	if key := strings.TrimSpace(explicit); key != "" {
		return key
	}

	auth := strings.TrimSpace(authorization)
	if auth == "" {
		return ""
	}

	if scheme, token, found := strings.Cut(auth, " "); found && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}

	return auth
}

// Authorized reports whether provided matches expected. An empty expected key disables auth.
func Authorized(provided, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
