package redaction

import "strings"

// Reconstruct rebuilds the original text from a redacted string plus the
// Report that produced it, provided the report was built with
// TrackRedactions so every entry carries its Original value. Spans in a
// Report are always in ascending original-start order (resolveOverlaps
// sorts by Start, and only one of any overlapping pair survives), and
// placeholders are substituted in that same left-to-right order, so the
// N-th placeholder occurrence in the redacted text corresponds to the
// N-th report entry.
//
// With TrackRedactions on, reconstructing from the redacted output plus
// the report always recovers the original text exactly.
func Reconstruct(redacted string, report Report) (string, bool) {
	if len(report.Entries) == 0 {
		return redacted, true
	}

	var b strings.Builder
	remaining := redacted
	for _, entry := range report.Entries {
		if entry.Original == "" && entry.Placeholder == "" {
			return "", false
		}
		idx := strings.Index(remaining, entry.Placeholder)
		if idx < 0 {
			return "", false
		}
		b.WriteString(remaining[:idx])
		b.WriteString(entry.Original)
		remaining = remaining[idx+len(entry.Placeholder):]
	}
	b.WriteString(remaining)
	return b.String(), true
}
