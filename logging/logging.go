// Package logging sets up the process logger: human readable lines on the
// console and, optionally, the same lines in a log file that is truncated at
// the start of every run.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a text logger writing to w
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup builds the process logger and installs it as slog's default. The
// returned close function releases the log file, if any.
func Setup(console io.Writer, file string, level string) (*slog.Logger, func() error, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	w := console
	closer := func() error { return nil }
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(console, f)
		closer = f.Close
	}

	logger := New(w, lvl)
	slog.SetDefault(logger)
	return logger, closer, nil
}
