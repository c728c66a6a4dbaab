// Package trajectory writes driver trajectories as append-only JSON-lines
// files for analysis and debugging: one metadata record, then one record
// per iteration.
package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relm/pkg/models"
)

// Logger appends metadata and iteration records to a JSON-lines file.
// Safe for use from one controller; writes are serialized internally.
type Logger struct {
	mu             sync.Mutex
	path           string
	iterationCount int
	metadataLogged bool
}

// metadataRecord is the first line of a trajectory file.
type metadataRecord struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	models.Metadata
}

// iterationRecord is one logged turn. Iteration numbers are 1-based and
// monotonic.
type iterationRecord struct {
	Type      string `json:"type"`
	Num       int    `json:"iteration"`
	Timestamp string `json:"timestamp"`
	models.Iteration
}

// NewLogger creates a logger writing to
// <dir>/<name>_<timestamp>_<run-id>.jsonl, creating dir if needed.
func NewLogger(dir, name string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trajectory: create log dir: %w", err)
	}
	if name == "" {
		name = "rlm"
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	runID := uuid.NewString()[:8]
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.jsonl", name, timestamp, runID))
	return &Logger{path: path}, nil
}

// Path returns the trajectory file path.
func (l *Logger) Path() string {
	return l.path
}

// LogMetadata writes the run metadata as the file's first record. Only
// the first call writes; later calls are ignored.
func (l *Logger) LogMetadata(metadata models.Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.metadataLogged {
		return nil
	}
	record := metadataRecord{
		Type:      "metadata",
		Timestamp: time.Now().Format(time.RFC3339),
		Metadata:  metadata,
	}
	if err := l.append(record); err != nil {
		return err
	}
	l.metadataLogged = true
	return nil
}

// Log appends one iteration record.
func (l *Logger) Log(iteration models.Iteration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterationCount++
	record := iterationRecord{
		Type:      "iteration",
		Num:       l.iterationCount,
		Timestamp: time.Now().Format(time.RFC3339),
		Iteration: iteration,
	}
	return l.append(record)
}

// IterationCount returns the number of iterations logged so far.
func (l *Logger) IterationCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iterationCount
}

func (l *Logger) append(record any) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("trajectory: open log file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("trajectory: write record: %w", err)
	}
	return nil
}
