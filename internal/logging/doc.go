// Package logging configures structured slog logging for divan, with an
// optional size-rotated JSON log file under ~/.divan/logs/ and a small
// viewer for reading it back.
package logging
