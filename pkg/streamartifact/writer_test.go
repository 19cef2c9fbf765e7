package streamartifact

import (
	"bytes"
	"strings"
	"testing"

	"apex-correlator/pkg/eventmodel"
)

func TestWriter_WriteEventBeforeMeta_Errors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteEvent(eventmodel.Event{ID: 1}); err == nil {
		t.Error("expected an error writing an EVENT before META")
	}
}

func TestWriter_FullStream_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteMeta("07Lxx0000000001.log", 4096, []string{"APEX_CODE", "DB"}, false, ""); err != nil {
		t.Fatalf("WriteMeta() error: %v", err)
	}
	if err := w.WriteEvent(eventmodel.Event{ID: 0, Kind: eventmodel.KindCodeUnitStarted, Timestamp: 0}); err != nil {
		t.Fatalf("WriteEvent() error: %v", err)
	}
	if err := w.WriteEvent(eventmodel.Event{ID: 1, Kind: eventmodel.KindCodeUnitFinished, Timestamp: 1000}); err != nil {
		t.Fatalf("WriteEvent() error: %v", err)
	}
	if err := w.WriteSummary("success", 1, "batch: 1/1 correlated", 0.92); err != nil {
		t.Fatalf("WriteSummary() error: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	decoded, err := NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(decoded) != 4 {
		t.Fatalf("expected 4 decoded lines, got %d", len(decoded))
	}
	if decoded[0].Kind != RecordMeta || decoded[0].Meta.Filename != "07Lxx0000000001.log" {
		t.Errorf("unexpected first record: %+v", decoded[0])
	}
	if decoded[1].Kind != RecordEvent || decoded[1].Event.ID != 0 {
		t.Errorf("unexpected second record: %+v", decoded[1])
	}
	if decoded[3].Kind != RecordSummary || decoded[3].Summary.Status != "success" {
		t.Errorf("unexpected fourth record: %+v", decoded[3])
	}
}

func TestWriter_DoubleMeta_Errors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteMeta("a.log", 1, nil, false, ""); err != nil {
		t.Fatalf("WriteMeta() error: %v", err)
	}
	if err := w.WriteMeta("a.log", 1, nil, false, ""); err == nil {
		t.Error("expected an error writing META twice")
	}
}

func TestReader_ToleratesTruncatedTrailingLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteMeta("a.log", 10, nil, true, "stream closed mid-write")
	_ = w.WriteEvent(eventmodel.Event{ID: 0})
	_ = w.Flush()

	// Simulate a write cut off mid-JSON-object.
	truncated := buf.String() + `{"kind":"EVENT","event":{"id":1,"kind":"met`

	decoded, err := NewReader(strings.NewReader(truncated)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() should tolerate truncation, got error: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("expected the two complete lines, got %d", len(decoded))
	}
}
