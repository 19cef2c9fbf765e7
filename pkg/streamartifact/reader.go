package streamartifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"apex-correlator/pkg/eventmodel"
)

// kindProbe reads just enough of a line to learn its RecordKind before
// unmarshaling the full record type.
type kindProbe struct {
	Kind RecordKind `json:"kind"`
}

// Decoded is one parsed line, with exactly one of Meta/Event/Summary set
// according to Kind.
type Decoded struct {
	Kind    RecordKind
	Meta    *MetaRecord
	Event   *eventmodel.Event
	Summary *SummaryRecord
}

// Reader decodes a META/EVENT/SUMMARY stream line by line, tolerating a
// final partial line left by mid-write truncation: ReadAll stops
// silently at the first line that fails to parse as complete JSON rather
// than returning an error, since a truncated capture is an expected
// outcome, not a protocol violation.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// ReadAll decodes every complete line in the stream.
func (rd *Reader) ReadAll() ([]Decoded, error) {
	var out []Decoded
	for rd.scanner.Scan() {
		line := rd.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe kindProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			// Malformed/partial trailing line: stop, don't fail.
			break
		}

		dec := Decoded{Kind: probe.Kind}
		switch probe.Kind {
		case RecordMeta:
			var rec MetaRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return out, fmt.Errorf("streamartifact: decode META: %w", err)
			}
			dec.Meta = &rec
		case RecordEvent:
			var rec EventRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return out, fmt.Errorf("streamartifact: decode EVENT: %w", err)
			}
			dec.Event = &rec.Event
		case RecordSummary:
			var rec SummaryRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return out, fmt.Errorf("streamartifact: decode SUMMARY: %w", err)
			}
			dec.Summary = &rec
		default:
			continue
		}
		out = append(out, dec)
	}
	if err := rd.scanner.Err(); err != nil {
		return out, fmt.Errorf("streamartifact: scan: %w", err)
	}
	return out, nil
}
