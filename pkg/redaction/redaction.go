// Package redaction implements the PII-aware redaction pipeline:
// pattern-based detection, classification, and masking of text and
// arbitrary structured values before they leave the correlation core.
package redaction

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Config controls which categories are redacted and how.
type Config struct {
	MinSensitivity  Sensitivity     `yaml:"min_sensitivity"`
	AlwaysRedact    map[string]bool `yaml:"always_redact"` // category id -> forced on
	NeverRedact     map[string]bool `yaml:"never_redact"`  // category id -> suppressed
	UsePlaceholders bool            `yaml:"use_placeholders"`
	HashOriginals   bool            `yaml:"hash_originals"`
	TrackRedactions bool            `yaml:"track_redactions"`
	CustomPatterns  []CustomPattern `yaml:"custom_patterns"`
}

// CustomPattern is a user-supplied detector.
type CustomPattern struct {
	ID          string     `yaml:"id"`
	Regex       string     `yaml:"regex"`
	Sensitivity Sensitivity `yaml:"sensitivity"`
	Placeholder string     `yaml:"placeholder"`
}

// DefaultConfig returns a conservative default: everything from medium
// sensitivity up, placeholders on, nothing tracked or hashed.
func DefaultConfig() Config {
	return Config{
		MinSensitivity:  SensitivityMedium,
		AlwaysRedact:    map[string]bool{},
		NeverRedact:     map[string]bool{},
		UsePlaceholders: true,
	}
}

// Span is one matched-and-resolved redaction region in the original text.
type Span struct {
	Category    string
	Sensitivity Sensitivity
	Start       int
	End         int
	Placeholder string
	original    string
}

// ReportEntry is one row of a redaction report.
type ReportEntry struct {
	Category    string
	Sensitivity Sensitivity
	StartOffset int
	EndOffset   int
	Placeholder string
	// Original is populated only when Config.TrackRedactions is set.
	Original string
	// Hash is populated only when Config.HashOriginals is set, as
	// "hash:<hex>". xxhash is non-crypto and allocation-light; the hash
	// exists to let a human correlate two redacted occurrences of the
	// same secret, not to resist deliberate inversion.
	Hash string
}

// Report is the ordered list of redactions applied to one piece of text.
type Report struct {
	Entries []ReportEntry
}

// Pipeline is a configured redactor. Constructing it compiles and
// validates every pattern once; Redact/RedactValue are safe for
// concurrent use (no shared mutable state beyond the immutable pattern
// list) but perform their work synchronously on the caller's goroutine —
// redaction is CPU-bound and runs on the same worker that produced the
// text, never handed off to a background stage.
type Pipeline struct {
	config   Config
	patterns []Pattern
	// warnings accumulates config-validation warnings: malformed custom
	// patterns are dropped at construction time rather than failing it.
	warnings []string
}

// New builds a Pipeline from Config, silently dropping malformed custom
// patterns (with a recorded warning) rather than failing construction.
func New(cfg Config) *Pipeline {
	p := &Pipeline{config: cfg}

	for _, bp := range builtinPatterns() {
		if cfg.NeverRedact[bp.ID] {
			continue
		}
		if !cfg.AlwaysRedact[bp.ID] && bp.Sensitivity < cfg.MinSensitivity {
			continue
		}
		p.patterns = append(p.patterns, bp)
	}

	for _, cp := range cfg.CustomPatterns {
		if cfg.NeverRedact[cp.ID] {
			continue
		}
		re, err := regexp.Compile(cp.Regex)
		if err != nil {
			p.warnings = append(p.warnings, fmt.Sprintf("custom pattern %q dropped: %v", cp.ID, err))
			continue
		}
		if !cfg.AlwaysRedact[cp.ID] && cp.Sensitivity < cfg.MinSensitivity {
			continue
		}
		placeholder := cp.Placeholder
		if placeholder == "" {
			placeholder = "[REDACTED]"
		}
		p.patterns = append(p.patterns, Pattern{
			ID:          cp.ID,
			Sensitivity: cp.Sensitivity,
			Placeholder: placeholder,
			PreCheck:    func(string) bool { return true },
			Regex:       re,
		})
	}

	return p
}

// Warnings returns config-validation warnings recorded at construction.
func (p *Pipeline) Warnings() []string {
	return p.warnings
}

// Redact applies every enabled pattern to text and returns the redacted
// copy plus a report:
//
//  1. for each enabled pattern, run the fast substring pre-check; if it
//     passes, run the regex globally and collect all match spans
//  2. sort spans by start offset; resolve overlaps by keeping the
//     higher-sensitivity span (ties broken by earliest start)
//  3. rewrite right-to-left so earlier offsets stay valid
func (p *Pipeline) Redact(text string) (string, Report) {
	if text == "" {
		return text, Report{}
	}

	spans := p.collectSpans(text)
	spans = resolveOverlaps(spans)

	if len(spans) == 0 {
		return text, Report{}
	}

	redacted := rewrite(text, spans, p.config.UsePlaceholders)
	report := p.buildReport(spans)

	return redacted, report
}

func (p *Pipeline) collectSpans(text string) []Span {
	var spans []Span
	for _, pat := range p.patterns {
		if pat.PreCheck != nil && !pat.PreCheck(text) {
			continue
		}
		placeholder := pat.Placeholder
		if !p.config.UsePlaceholders {
			placeholder = "[REDACTED]"
		}
		for _, loc := range pat.Regex.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{
				Category:    pat.ID,
				Sensitivity: pat.Sensitivity,
				Start:       loc[0],
				End:         loc[1],
				Placeholder: placeholder,
				original:    text[loc[0]:loc[1]],
			})
		}
	}
	return spans
}

// resolveOverlaps sorts by start offset then drops lower-sensitivity
// spans that overlap a higher-sensitivity (or, on a tie, earlier-started)
// span.
func resolveOverlaps(spans []Span) []Span {
	if len(spans) <= 1 {
		return spans
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Sensitivity > spans[j].Sensitivity
	})

	var resolved []Span
	for _, s := range spans {
		if len(resolved) == 0 {
			resolved = append(resolved, s)
			continue
		}
		last := &resolved[len(resolved)-1]
		if s.Start >= last.End {
			resolved = append(resolved, s)
			continue
		}
		// Overlap: keep the higher-sensitivity span; on a tie the
		// earlier-starting span (already `last`, since we sorted by
		// start) wins.
		if s.Sensitivity > last.Sensitivity {
			*last = s
		}
	}
	return resolved
}

// rewrite replaces every span with its placeholder, walking right-to-left
// so earlier offsets remain valid as later ones are rewritten.
func rewrite(text string, spans []Span, usePlaceholders bool) string {
	result := []byte(text)
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		placeholder := s.Placeholder
		if !usePlaceholders {
			placeholder = "[REDACTED]"
		}
		var buf []byte
		buf = append(buf, result[:s.Start]...)
		buf = append(buf, placeholder...)
		buf = append(buf, result[s.End:]...)
		result = buf
	}
	return string(result)
}

func (p *Pipeline) buildReport(spans []Span) Report {
	entries := make([]ReportEntry, 0, len(spans))
	for _, s := range spans {
		entry := ReportEntry{
			Category:    s.Category,
			Sensitivity: s.Sensitivity,
			StartOffset: s.Start,
			EndOffset:   s.End,
			Placeholder: s.Placeholder,
		}
		if p.config.TrackRedactions {
			entry.Original = s.original
		}
		if p.config.HashOriginals {
			entry.Hash = fmt.Sprintf("hash:%x", xxhash.Sum64String(s.original))
		}
		entries = append(entries, entry)
	}
	return Report{Entries: entries}
}

// RedactValue walks an arbitrary structured value (maps, slices, structs
// via reflection is intentionally NOT attempted — only the JSON-shaped
// primitives the correlation core actually produces: map[string]any,
// []any, and string), redacting every string leaf at any depth.
// Non-string leaves are copied verbatim.
func (p *Pipeline) RedactValue(v interface{}) (interface{}, Report) {
	agg := Report{}
	out := p.redactValue(v, &agg)
	return out, agg
}

func (p *Pipeline) redactValue(v interface{}, agg *Report) interface{} {
	switch val := v.(type) {
	case string:
		redacted, report := p.Redact(val)
		agg.Entries = append(agg.Entries, report.Entries...)
		return redacted
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = p.redactValue(v, agg)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, v := range val {
			out[i] = p.redactValue(v, agg)
		}
		return out
	default:
		// Non-string, non-container leaf: copied verbatim. Guard
		// against other reflect-visible container kinds (arrays,
		// typed slices/maps) the JSON decoder never actually produces,
		// but that callers might still pass in from tests.
		rv := reflect.ValueOf(v)
		if !rv.IsValid() {
			return v
		}
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			out := make([]interface{}, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = p.redactValue(rv.Index(i).Interface(), agg)
			}
			return out
		default:
			return v
		}
	}
}
