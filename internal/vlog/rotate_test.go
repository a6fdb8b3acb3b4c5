package vlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileWritesAndTracksSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	rf, err := newRotatingFile(path, 1024, 2)
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer rf.Close()

	n, err := rf.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Errorf("Write returned n=%d, want 6", n)
	}
	if rf.size != 6 {
		t.Errorf("rf.size = %d, want 6", rf.size)
	}
}

func TestRotatingFileRotatesPastMaxBytesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	rf, err := newRotatingFile(path, 10, 2)
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer rf.Close()

	// Each write is 11 bytes, past the 10-byte cap, so every write (the
	// first included, since 0+11 > 10) forces a rotation.
	for i := 0; i < 3; i++ {
		if _, err := rf.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("current log file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected backup %s.1 after rotation: %v", path, err)
	}
}

func TestRotatingFileNoBackupsRemovesOldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	rf, err := newRotatingFile(path, 5, 0)
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer rf.Close()

	rf.Write([]byte("first\n"))
	rf.Write([]byte("second\n"))

	if _, err := os.Stat(path + ".1"); err == nil {
		t.Error("no backups configured, but a .1 file was created")
	}
}

func TestRotatingFileOpenReadsExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("preexisting"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	rf, err := newRotatingFile(path, 1024, 1)
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer rf.Close()

	if rf.size != int64(len("preexisting")) {
		t.Errorf("rf.size = %d, want %d (existing file contents)", rf.size, len("preexisting"))
	}
}
