// Package logging sets up the process logger: colored console output plus a rotating log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	consoleTimeFormat = "15:04:05.000"
	maxLogSizeMB      = 20
	maxLogBackups     = 5
	maxLogAgeDays     = 28
)

// Options configures Setup. An empty File disables the file handler.
type Options struct {
	Level slog.Level
	// FileLevel defaults to debug so the file keeps what the console hides.
	FileLevel *slog.Level
	File      string
	Console   io.Writer
}

// Setup installs the default logger and returns a function that flushes and closes the log file.
func Setup(opts Options) (*slog.Logger, func() error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      opts.Level,
			TimeFormat: consoleTimeFormat,
			NoColor:    !isTerminal(console),
		}),
	}

	closer := func() error { return nil }
	if opts.File != "" {
		fileLevel := slog.LevelDebug
		if opts.FileLevel != nil {
			fileLevel = *opts.FileLevel
		}
		rotator := NewRotatingFile(opts.File)
		handlers = append(handlers, slog.NewTextHandler(rotator, &slog.HandlerOptions{
			Level: fileLevel,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339Nano))
				}
				return a
			},
		}))
		closer = rotator.Close
	}

	logger := slog.New(NewMultiHandler(handlers...))
	slog.SetDefault(logger)
	return logger, closer
}

// NewRotatingFile returns a writer that rotates path by size and keeps a few compressed backups.
func NewRotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Clean(path),
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
