package trajectory

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relm/pkg/models"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("bad JSON line: %v", err)
		}
		records = append(records, record)
	}
	return records
}

func TestMetadataLoggedOnce(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}

	metadata := models.Metadata{RootModel: "m", Backend: "anthropic", MaxIterations: 30, MaxDepth: 1}
	if err := logger.LogMetadata(metadata); err != nil {
		t.Fatal(err)
	}
	if err := logger.LogMetadata(metadata); err != nil {
		t.Fatal(err)
	}

	records := readLines(t, logger.Path())
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (metadata emitted once per logger)", len(records))
	}
	if records[0]["type"] != "metadata" || records[0]["root_model"] != "m" {
		t.Errorf("metadata record = %v", records[0])
	}
}

func TestIterationNumbersAreOneBasedAndMonotonic(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := logger.Log(models.Iteration{Response: "r"}); err != nil {
			t.Fatal(err)
		}
	}

	records := readLines(t, logger.Path())
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, record := range records {
		if record["type"] != "iteration" {
			t.Errorf("record %d type = %v", i, record["type"])
		}
		if got := record["iteration"]; got != float64(i+1) {
			t.Errorf("record %d iteration = %v, want %d", i, got, i+1)
		}
	}
	if logger.IterationCount() != 3 {
		t.Errorf("IterationCount() = %d, want 3", logger.IterationCount())
	}
}

func TestTimestampsAreISO8601(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Log(models.Iteration{Response: "r"}); err != nil {
		t.Fatal(err)
	}

	records := readLines(t, logger.Path())
	stamp, _ := records[0]["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", stamp, err)
	}
}

func TestFileNameShape(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "myrun")
	if err != nil {
		t.Fatal(err)
	}
	base := logger.Path()
	if !strings.HasPrefix(base, dir) {
		t.Errorf("path %q outside dir", base)
	}
	name := base[strings.LastIndex(base, "/")+1:]
	if !strings.HasPrefix(name, "myrun_") || !strings.HasSuffix(name, ".jsonl") {
		t.Errorf("file name = %q", name)
	}
}

func TestIterationRecordCarriesFinalAnswer(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	answer := "done"
	if err := logger.Log(models.Iteration{Response: "done", FinalAnswer: &answer}); err != nil {
		t.Fatal(err)
	}

	records := readLines(t, logger.Path())
	if records[0]["final_answer"] != "done" {
		t.Errorf("final_answer = %v", records[0]["final_answer"])
	}
}
