package audit

import "regexp"

// RedactionToken replaces every secret removed from an audit payload.
const RedactionToken = "[REDACTED]"

var (
	sensitiveKeyPattern = regexp.MustCompile(`(?i)(api[-_]?key|token|secret|authorization|password)`)
	bearerPattern       = regexp.MustCompile(`(?i)\b(Bearer\s+)([A-Za-z0-9._~+\-/=]+)`)
	keyValuePattern     = regexp.MustCompile(`(?i)\b((?:api[-_]?key|token|secret|password)\s*[:=]\s*)([^\s,;]+)`)
)

// RedactText scrubs bearer tokens and inline key=value secrets from s.
func RedactText(s string) string {
	s = bearerPattern.ReplaceAllString(s, "${1}"+RedactionToken)

	return keyValuePattern.ReplaceAllString(s, "${1}"+RedactionToken)
}

// Redact returns a copy of a decoded JSON value with secrets replaced.
// Values under a secret-looking key are replaced whatever their type.
func Redact(value any) any {
	switch v := value.(type) {
	case string:
		return RedactText(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Redact(item)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if sensitiveKeyPattern.MatchString(key) {
				out[key] = RedactionToken

				continue
			}

			out[key] = Redact(item)
		}

		return out
	default:
		return value
	}
}

// IsSensitiveKey reports whether values stored under key are treated as secrets.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}
