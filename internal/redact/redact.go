// Package redact scrubs sensitive values from decision-log payloads before
// they are persisted. LLM prompts and responses can accidentally capture
// credentials or PII; everything written to the audit trail passes through
// here first.
package redact

import (
	"regexp"
	"strings"
)

// Marker replaces any redacted value.
const Marker = "[REDACTED]"

var sensitiveKeywords = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"credential",
	"private_key",
	"ssn",
}

var piiPatterns = []*regexp.Regexp{
	// email addresses
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	// card numbers, 13-19 digits with optional separators
	regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
	// US social security numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// SensitiveKey reports whether a field name should have its value dropped
// regardless of content.
func SensitiveKey(key string) bool {
	lowered := strings.ToLower(strings.TrimSpace(key))
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// String replaces PII substrings in free text with the redaction marker.
func String(value string) string {
	for _, pattern := range piiPatterns {
		value = pattern.ReplaceAllString(value, Marker)
	}
	return value
}

// Map returns a copy of the input with sensitive fields replaced. Values
// under sensitive keys are dropped entirely; remaining strings get the PII
// pattern pass. Nested maps and slices are walked recursively.
func Map(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		if SensitiveKey(key) {
			out[key] = Marker
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch cast := value.(type) {
	case string:
		return String(cast)
	case map[string]any:
		return Map(cast)
	case []any:
		items := make([]any, 0, len(cast))
		for _, item := range cast {
			items = append(items, redactValue(item))
		}
		return items
	default:
		return value
	}
}
