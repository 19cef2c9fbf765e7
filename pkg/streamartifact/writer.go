// Package streamartifact emits the line-delimited META/EVENT/SUMMARY
// wire protocol used to stream a correlation run's output: one JSON
// object per line so a consumer reading mid-stream, or a truncated
// capture, still gets usable records instead of one broken blob.
package streamartifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"apex-correlator/pkg/eventmodel"
)

// SchemaVersion is the protocol version stamped on every META line.
const SchemaVersion = "2.1"

// RecordKind discriminates the three line types on the wire.
type RecordKind string

const (
	RecordMeta    RecordKind = "META"
	RecordEvent   RecordKind = "EVENT"
	RecordSummary RecordKind = "SUMMARY"
)

// MetaRecord is always the first line of a stream.
type MetaRecord struct {
	Kind            RecordKind `json:"kind"`
	SchemaVersion   string     `json:"schema_version"`
	Filename        string     `json:"filename"`
	SizeBytes       int        `json:"size_bytes"`
	DetectedLevels  []string   `json:"detected_levels"`
	Truncated       bool       `json:"truncated"`
	TruncatedReason string     `json:"truncated_reason,omitempty"`
}

// EventRecord carries one parsed log event.
type EventRecord struct {
	Kind  RecordKind      `json:"kind"`
	Event eventmodel.Event `json:"event"`
}

// SummaryRecord is the optional trailing line, omitted entirely if the
// stream ends before a summary is available (e.g. on truncation).
type SummaryRecord struct {
	Kind         RecordKind `json:"kind"`
	Status       string     `json:"status"`
	DurationMS   int64      `json:"duration_ms"`
	FlowSummary  string     `json:"flow_summary"`
	Confidence   float64    `json:"confidence"`
	GeneratedAt  time.Time  `json:"generated_at"`
}

// Writer appends META/EVENT/SUMMARY lines to an underlying io.Writer.
// Callers must call WriteMeta exactly once before any WriteEvent, and may
// skip WriteSummary entirely for a truncated stream.
type Writer struct {
	out        *bufio.Writer
	metaSent   bool
	closed     bool
}

// NewWriter wraps w. Flush writes buffered output through to w; the
// Writer never closes w itself, callers own w's lifecycle.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriter(w)}
}

// WriteMeta writes the leading META line. Must be called before any other
// Write* method.
func (w *Writer) WriteMeta(filename string, sizeBytes int, detectedLevels []string, truncated bool, truncatedReason string) error {
	if w.metaSent {
		return fmt.Errorf("streamartifact: META already written")
	}
	rec := MetaRecord{
		Kind:            RecordMeta,
		SchemaVersion:   SchemaVersion,
		Filename:        filename,
		SizeBytes:       sizeBytes,
		DetectedLevels:  detectedLevels,
		Truncated:       truncated,
		TruncatedReason: truncatedReason,
	}
	if err := w.writeLine(rec); err != nil {
		return err
	}
	w.metaSent = true
	return nil
}

// WriteEvent appends one EVENT line. Returns an error if META has not yet
// been written.
func (w *Writer) WriteEvent(event eventmodel.Event) error {
	if !w.metaSent {
		return fmt.Errorf("streamartifact: WriteEvent called before WriteMeta")
	}
	return w.writeLine(EventRecord{Kind: RecordEvent, Event: event})
}

// WriteSummary appends the trailing SUMMARY line. Optional; omit it for a
// stream that ends on truncation before a summary could be computed.
func (w *Writer) WriteSummary(status string, durationMS int64, flowSummary string, confidence float64) error {
	if !w.metaSent {
		return fmt.Errorf("streamartifact: WriteSummary called before WriteMeta")
	}
	return w.writeLine(SummaryRecord{
		Kind:        RecordSummary,
		Status:      status,
		DurationMS:  durationMS,
		FlowSummary: flowSummary,
		Confidence:  confidence,
		GeneratedAt: time.Now().UTC(),
	})
}

// Flush flushes any buffered output to the underlying writer.
func (w *Writer) Flush() error {
	return w.out.Flush()
}

func (w *Writer) writeLine(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("streamartifact: marshal record: %w", err)
	}
	if _, err := w.out.Write(body); err != nil {
		return fmt.Errorf("streamartifact: write record: %w", err)
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("streamartifact: write newline: %w", err)
	}
	return nil
}
