// Package logging builds the process logger: text to stderr, optionally
// duplicated to a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
)

// Options configures the logger.
type Options struct {
	Level      string // debug | info | warn | error
	File       string // empty disables the log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is the configured logger and the rotated file behind it, if any.
type Logger struct {
	*slog.Logger
	file *rotatingFile
}

// New builds a logger writing to stderr and, when opts.File is set, to a
// rotated log file.
func New(stderr io.Writer, opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = stderr
	var file *rotatingFile
	if opts.File != "" {
		file, err = newRotatingFile(opts)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(stderr, file)
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h), file: file}, nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// rotatingFile serializes writes to a lumberjack.Logger.
type rotatingFile struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
}

func newRotatingFile(opts Options) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &rotatingFile{
		logger: &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
			LocalTime:  true,
		},
	}, nil
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logger.Write(p)
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logger.Close()
}
