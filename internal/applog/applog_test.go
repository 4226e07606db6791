package applog

import (
	"os"
	"strings"
	"testing"

	"p2proxy/internal/config"
)

func TestNew_NilConfigLogsToStdout(t *testing.T) {
	logger := New(nil, "test: ")
	if logger == nil {
		t.Fatal("New(nil, ...) returned nil")
	}
}

func TestNew_EmptyFilenameLogsToStdout(t *testing.T) {
	logger := New(&config.GlobalLogConfig{}, "test: ")
	if logger == nil {
		t.Fatal("New returned nil for empty filename")
	}
}

func TestNew_FilenameWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/p2proxyd.log"

	logger := New(&config.GlobalLogConfig{Filename: path, MaxSize: 1, MaxBackups: 1, MaxAge: 1}, "test: ")
	logger.Print("hello from applog")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from applog") {
		t.Errorf("log file missing expected line, got %q", string(data))
	}
}
