// Package logger builds the process-wide structured logger.
//
// Every line goes to stdout as JSON. When a file is configured the same
// lines are also written to it through a size-rotated lumberjack writer, so
// a bridge running outside a container keeps a bounded local history.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirrors config.LogConfig without importing it.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is a slog.Logger that owns its rotating file, if any.
type Logger struct {
	*slog.Logger

	file      *lumberjack.Logger
	closeOnce sync.Once
}

// New builds a JSON logger writing to stdout and, when opts.File is set, to
// the rotating file as well.
func New(opts Options) *Logger {
	return newWithStdout(os.Stdout, opts)
}

func newWithStdout(stdout io.Writer, opts Options) *Logger {
	l := &Logger{}
	w := stdout
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w = io.MultiWriter(stdout, l.file)
	}

	level := ParseLevel(opts.Level)
	l.Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		// file:line only in debug mode
		AddSource: level == slog.LevelDebug,
	}))
	return l
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close flushes and closes the rotating file. Safe to call more than once.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("logger: close file: %w", err)
	}
	return nil
}
