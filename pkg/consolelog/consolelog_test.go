package consolelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log, err := New(Config{Level: "debug", FilePath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.Info("flush failed")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if !strings.Contains(string(data), "flush failed") {
		t.Errorf("Expected message in file, got %q", data)
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
