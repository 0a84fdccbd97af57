package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches provider credentials that may leak into log lines
// or error messages surfaced to clients.
var secretPatterns = []*regexp.Regexp{
	// key=value style assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization header values.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic keys; must precede the generic sk- pattern.
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`),
	// DeepSeek and OpenAI keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	// Google AI keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
}

// sensitiveKeyTokens are substrings that mark a structured field as secret.
var sensitiveKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep a key/prefix group when the pattern has one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a field name looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactValue returns [REDACTED] when key looks secret, otherwise value.
func RedactValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
