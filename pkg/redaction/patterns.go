package redaction

import (
	"regexp"
	"strings"
)

// Sensitivity ranks how damaging a category's leak would be. Ordering
// matters: it is used both for minSensitivity filtering and for overlap
// resolution, which keeps the higher-sensitivity of two overlapping spans.
type Sensitivity int

const (
	SensitivityNone Sensitivity = iota
	SensitivityLow
	SensitivityMedium
	SensitivityHigh
	SensitivityCritical
)

// ParseSensitivity converts the config-surface string form into the enum.
func ParseSensitivity(s string) (Sensitivity, bool) {
	switch strings.ToLower(s) {
	case "none":
		return SensitivityNone, true
	case "low":
		return SensitivityLow, true
	case "medium":
		return SensitivityMedium, true
	case "high":
		return SensitivityHigh, true
	case "critical":
		return SensitivityCritical, true
	default:
		return SensitivityNone, false
	}
}

func (s Sensitivity) String() string {
	switch s {
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	case SensitivityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Pattern is one built-in or custom PII detector. PreCheck is a cheap
// substring test run before the (comparatively expensive) regex scan:
// without it, a double-digit-pattern scan over a 20 MiB log runs every
// regex over the whole file regardless of whether it could ever match.
type Pattern struct {
	ID          string
	Sensitivity Sensitivity
	Placeholder string // used when usePlaceholders is set, e.g. "[EMAIL]"
	PreCheck    func(s string) bool
	Regex       *regexp.Regexp
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// builtinPatterns returns the fixed built-in pattern set. Order is
// irrelevant here — Redact sorts all collected spans by offset before
// rewriting.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			ID:          "email",
			Sensitivity: SensitivityHigh,
			Placeholder: "[EMAIL]",
			PreCheck:    func(s string) bool { return strings.Contains(s, "@") },
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		},
		{
			ID:          "phone",
			Sensitivity: SensitivityHigh,
			Placeholder: "[PHONE]",
			PreCheck:    func(s string) bool { return containsAny(s, "+1", "(") || strings.ContainsAny(s, "0123456789") },
			Regex:       regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
		},
		{
			// SSN must require an explicit '-' or space delimiter between
			// the 3-2-4 groups to avoid matching numeric ids.
			ID:          "ssn",
			Sensitivity: SensitivityCritical,
			Placeholder: "[SSN]",
			PreCheck:    func(s string) bool { return strings.ContainsAny(s, "0123456789") },
			Regex:       regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`),
		},
		{
			ID:          "credit_card",
			Sensitivity: SensitivityCritical,
			Placeholder: "[CREDIT_CARD]",
			PreCheck:    func(s string) bool { return strings.ContainsAny(s, "0123456789") },
			Regex:       regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		},
		{
			ID:          "ipv4",
			Sensitivity: SensitivityMedium,
			Placeholder: "[IP]",
			PreCheck:    func(s string) bool { return strings.Contains(s, ".") },
			Regex:       regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		},
		{
			// Platform record id: 15 or 18 alphanumeric chars. The
			// leading 3 characters are the object's key prefix by
			// platform convention; we don't enumerate every prefix,
			// only shape-match.
			ID:          "platform_record_id",
			Sensitivity: SensitivityLow,
			Placeholder: "[RECORD_ID]",
			PreCheck:    func(s string) bool { return true },
			Regex:       regexp.MustCompile(`\b[a-zA-Z0-9]{3}[a-zA-Z0-9]{12}(?:[a-zA-Z0-9]{3})?\b`),
		},
		{
			ID:          "session_token",
			Sensitivity: SensitivityCritical,
			Placeholder: "[SESSION_TOKEN]",
			PreCheck:    func(s string) bool { return containsAny(s, "sessionid", "session_id", "bearer") },
			Regex:       regexp.MustCompile(`(?i)(?:session[_-]?id|bearer)\s*[=:]\s*([a-zA-Z0-9._~+/\-!]{16,})`),
		},
		{
			ID:          "api_key",
			Sensitivity: SensitivityCritical,
			Placeholder: "[API_KEY]",
			PreCheck:    func(s string) bool { return containsAny(s, "api_key", "api-key", "apikey", "x-api-key") },
			Regex:       regexp.MustCompile(`(?i)(?:x-api-key|api[_-]?key)\s*[=:]\s*([a-zA-Z0-9._~+/\-]{12,})`),
		},
		{
			ID:          "password_kv",
			Sensitivity: SensitivityCritical,
			Placeholder: "[PASSWORD]",
			PreCheck:    func(s string) bool { return containsAny(s, "password", "passwd", "pwd") },
			Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[=:]\s*([^\s,;&]+)`),
		},
	}
}
