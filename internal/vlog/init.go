package vlog

import (
	"os"
	"path/filepath"
)

// Options configures the ambient loggers from the VMAN_LOG_* environment
// variables (see internal/config).
type Options struct {
	Level       string // VMAN_LOG_LEVEL
	File        string // VMAN_LOG_FILE
	Dir         string // VMAN_LOG_DIR
	MaxBytes    int64  // VMAN_LOG_MAX_BYTES
	BackupCount int    // VMAN_LOG_BACKUP_COUNT
}

var fileWriter *rotatingFile

// Init wires up the "stderr" logger and, if a log file was configured, a
// "file" logger backed by a size-rotating writer. It is safe to call once
// at process startup.
func Init(o Options) error {
	level, err := ParseLevel(o.Level)
	if err != nil {
		level = INFO
	}

	AddLogger("stderr", os.Stderr, level)

	if o.File == "" {
		return nil
	}

	path := o.File
	if o.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(o.Dir, path)
	}

	rf, err := newRotatingFile(path, o.MaxBytes, o.BackupCount)
	if err != nil {
		return err
	}

	fileWriter = rf
	AddLogger("file", rf, level)
	return nil
}

// Close flushes and closes any open log file.
func Close() error {
	if fileWriter == nil {
		return nil
	}
	return fileWriter.Close()
}
