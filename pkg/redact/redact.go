// Package redact implements the redaction ruleset used on trace reads (C1),
// tool output scrubbing (C3), and error messages crossing the HTTP boundary
// (§7): values under secret-shaped keys are replaced with a placeholder,
// secret/PII-shaped substrings are masked, and overlong values are truncated.
package redact

import (
	"regexp"
	"strings"
)

// DefaultTruncateLimit is the default value-length cap applied on trace read (§4.1).
const DefaultTruncateLimit = 500

const redactedPlaceholder = "<redacted>"

// sensitiveKeys are object keys whose values are always dropped regardless
// of content, matched case-insensitively.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"apikey":        {},
	"token":         {},
	"secret":        {},
	"password":      {},
}

// secretPatterns catch secret-shaped substrings embedded in otherwise benign
// text. Order matters: more specific patterns run first so a Bearer token
// isn't partially matched by the generic JWT pattern.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-.]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`-----BEGIN[\sA-Z]+PRIVATE KEY-----`),
	// JWT-shaped: three base64url segments separated by dots.
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// IsSensitiveKey reports whether a map key names a secret-bearing field.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// ScrubString masks secret-shaped substrings and email addresses in text,
// then truncates to limit (0 means DefaultTruncateLimit, negative means
// unlimited).
func ScrubString(text string, limit int) string {
	if text == "" {
		return text
	}
	scrubbed := text
	for _, pattern := range secretPatterns {
		scrubbed = pattern.ReplaceAllString(scrubbed, redactedPlaceholder)
	}
	scrubbed = emailPattern.ReplaceAllString(scrubbed, redactedPlaceholder)

	if limit == 0 {
		limit = DefaultTruncateLimit
	}
	if limit > 0 && len(scrubbed) > limit {
		scrubbed = scrubbed[:limit] + "..."
	}
	return scrubbed
}

// ContainsSecret reports whether text contains a secret-shaped substring,
// without regard to truncation.
func ContainsSecret(text string) bool {
	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Value redacts a single JSON-ish value (string, map, slice, scalar) per the
// redaction profile: a sensitive key is kept but its whole value is replaced
// with "<redacted>", strings are scrubbed and truncated, collections are
// redacted recursively.
func Value(v interface{}, limit int) interface{} {
	switch t := v.(type) {
	case string:
		return ScrubString(t, limit)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Value(val, limit)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = Value(elem, limit)
		}
		return out
	default:
		return v
	}
}

// Payload redacts a full payload map, the common case for sanitizing a
// TraceStep or tool output before it leaves the process boundary.
func Payload(payload map[string]interface{}, limit int) map[string]interface{} {
	if payload == nil {
		return nil
	}
	redacted := Value(payload, limit)
	out, _ := redacted.(map[string]interface{})
	return out
}
