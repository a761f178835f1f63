package domain

import (
	"regexp"
)

// Patterns that might reveal sensitive data in an error message or dead-letter
// payload before it is logged or persisted. Adapted from the credential/PII
// redaction the teacher applies around its HTTP admin surface.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)token\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)credential\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
}

// SanitizeString redacts sensitive substrings from a string before it is
// logged or surfaced to a caller (e.g. a dead-letter reason or an ingress
// 400 response).
func SanitizeString(input string) string {
	if input == "" {
		return ""
	}
	result := input
	for _, p := range sensitivePatterns {
		result = p.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// SanitizeError redacts an error's message; returns "" for a nil error.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}
