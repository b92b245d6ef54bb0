// Package logging builds the process logger: JSON to stdout plus an
// optional size-rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects level and file output.
type Options struct {
	Level    string
	File     string
	MaxBytes int64
	Backups  int
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a JSON logger and a closer for the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rw, err := NewRotatingWriter(opts.File, opts.MaxBytes, opts.Backups)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stdout, rw)
		closer = rw
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}))
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
