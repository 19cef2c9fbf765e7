package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxDLQFileBytes = 10 * 1024 * 1024 // rotate at 10MiB
	dlqRetention    = 7 * 24 * time.Hour
)

// Entry is one failed-publish record as written to the dead-letter file.
type Entry struct {
	ParentLogID string    `json:"parent_log_id"`
	FailedAt    time.Time `json:"failed_at"`
	Reason      string    `json:"reason"`
	Artifact    []byte    `json:"artifact"`
}

// DeadLetterQueue is a small file-based fallback for artifacts that
// failed to publish to Kafka: every failure is appended as one JSON line
// to a rotating file under Directory, with files older than the
// retention window swept on each rotation. It does not reprocess entries
// automatically; operators replay a dropped artifact out of band.
type DeadLetterQueue struct {
	directory string
	logger    *logrus.Entry

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
}

// NewDeadLetterQueue creates directory if needed and opens (or creates)
// the active dead-letter file.
func NewDeadLetterQueue(directory string, logger *logrus.Entry) (*DeadLetterQueue, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: create directory: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &DeadLetterQueue{directory: directory, logger: logger.WithField("component", "publish_dlq")}
	if err := d.openCurrent(); err != nil {
		return nil, err
	}
	d.cleanupOld()
	return d, nil
}

func (d *DeadLetterQueue) openCurrent() error {
	path := filepath.Join(d.directory, "dlq-current.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dlq: open current file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("dlq: stat current file: %w", err)
	}
	d.currentFile = f
	d.currentSize = info.Size()
	return nil
}

// Add appends one failed artifact, rotating the active file first if it
// has grown past maxDLQFileBytes.
func (d *DeadLetterQueue) Add(parentLogID string, artifact []byte, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.currentSize >= maxDLQFileBytes {
		if err := d.rotate(); err != nil {
			return err
		}
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	entry := Entry{ParentLogID: parentLogID, FailedAt: time.Now().UTC(), Reason: reason, Artifact: artifact}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := d.currentFile.Write(line)
	if err != nil {
		return fmt.Errorf("dlq: write entry: %w", err)
	}
	d.currentSize += int64(n)
	return nil
}

func (d *DeadLetterQueue) rotate() error {
	if d.currentFile != nil {
		d.currentFile.Close()
	}
	rotated := filepath.Join(d.directory, fmt.Sprintf("dlq-%d.jsonl", time.Now().UTC().UnixNano()))
	current := filepath.Join(d.directory, "dlq-current.jsonl")
	if err := os.Rename(current, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dlq: rotate current file: %w", err)
	}
	d.cleanupOld()
	return d.openCurrent()
}

// cleanupOld removes rotated files older than dlqRetention. Best-effort;
// failures are logged, never returned, since they shouldn't block writes.
func (d *DeadLetterQueue) cleanupOld() {
	entries, err := os.ReadDir(d.directory)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-dlqRetention)
	for _, e := range entries {
		if e.Name() == "dlq-current.jsonl" || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(d.directory, e.Name())); err != nil {
				d.logger.WithError(err).WithField("file", e.Name()).Warn("dlq: failed to remove expired file")
			}
		}
	}
}

// Close flushes and closes the active file.
func (d *DeadLetterQueue) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentFile == nil {
		return nil
	}
	return d.currentFile.Close()
}
