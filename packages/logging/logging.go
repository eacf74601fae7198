// Package logging installs the JSON slog handler shared by the binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler writes JSON records to w with RFC3339Nano timestamps and a
// service attribute.
func NewHandler(w io.Writer, level slog.Level, service string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}).WithAttrs([]slog.Attr{slog.String("service", service)})
}

// Setup logs to stdout and, when logFile is set, to a rotated file as well.
// The returned closer flushes the rotator.
func Setup(logFile, level, service string) io.Closer {
	var out io.Writer = os.Stdout
	var rotator *lumberjack.Logger
	if logFile != "" {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error(
				"Failed to create log directory", "path", logDir, "error", err,
			)
		}
		rotator = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}

	slog.SetDefault(slog.New(NewHandler(out, ParseLevel(level), service)))
	if rotator == nil {
		return nopCloser{}
	}
	return rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
