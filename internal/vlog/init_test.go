package vlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitWithoutFileOnlyAddsStderr(t *testing.T) {
	defer DelLogger("stderr")

	if err := Init(Options{Level: "info"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !WillLog(INFO) {
		t.Error("Init without a log file should still register a stderr logger")
	}
}

func TestInitWithFileCreatesLogDirAndFile(t *testing.T) {
	defer DelLogger("stderr")
	defer DelLogger("file")
	defer Close()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "sub", "vman.log")

	if err := Init(Options{
		Level:       "debug",
		File:        logPath,
		MaxBytes:    1024 * 1024,
		BackupCount: 3,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("expected log file to be created at %s: %v", logPath, err)
	}

	Info("hello from init test")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty after logging a message")
	}

	if err := Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	defer DelLogger("stderr")

	if err := Init(Options{Level: "not-a-level"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !WillLog(INFO) {
		t.Error("Init with an invalid level should fall back to INFO, not silently disable logging")
	}
}

func TestInitRelativeFileJoinsWithDir(t *testing.T) {
	defer DelLogger("stderr")
	defer DelLogger("file")
	defer Close()

	dir := t.TempDir()
	if err := Init(Options{
		Level: "info",
		Dir:   dir,
		File:  "relative.log",
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "relative.log")); err != nil {
		t.Errorf("expected relative.log under %s: %v", dir, err)
	}
}
