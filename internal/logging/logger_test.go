package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/logging"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := logging.New(logging.Options{Level: "debug", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("hello", logging.String(logging.FieldJobID, "job-1"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"job_id":"job-1"`) {
		t.Fatalf("expected structured job_id field, got %s", data)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestComponentLoggerNilBase(t *testing.T) {
	logger := logging.NewComponentLogger(nil, "router")
	logger.Info("should not panic")
}
