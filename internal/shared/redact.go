package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing patterns in log/error strings.
// Session tokens are JWTs and app passwords are xxxx-xxxx-xxxx-xxxx, both of
// which can leak through error bodies echoed by the PDS.
var secretPatterns = []*regexp.Regexp{
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Bare JWTs (three dot-separated base64url segments).
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{4,}\.[A-Za-z0-9_\-]{4,}\.[A-Za-z0-9_\-]{4,}`),
	// Bluesky app passwords.
	regexp.MustCompile(`\b[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}\b`),
	// Generic key=value secrets.
	regexp.MustCompile(`(?i)(password|accessjwt|refreshjwt|token|secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
}

// Redact replaces credential-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactKeyValue checks if a key name looks secret and returns a redacted value if so.
func RedactKeyValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"password", "token", "jwt", "secret", "authorization", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
