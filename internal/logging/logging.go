package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means stderr only.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr also writes to stderr when a file is configured.
	WriteToStderr bool
}

// DefaultConfig returns sensible defaults for file logging.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		FilePath:  DefaultLogPath(),
		MaxSizeMB: 10,
		MaxFiles:  5,
	}
}

// Setup builds a JSON logger and returns it with a cleanup function that
// flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	if cfg.FilePath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), func() {}, nil
	}

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}
	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return slog.New(slog.NewJSONHandler(output, opts)), cleanup, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromString converts string level to slog.Level.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}
