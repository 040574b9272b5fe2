package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and rolls it over once it would
// grow past a size limit. Rolled files are named <path>.1 (newest) up to
// <path>.<keep> (oldest); anything older is removed.
type RotatingWriter struct {
	path    string
	limit   int64
	keep    int
	syncAll bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens path for appending. Files roll over at maxSizeMB
// and at most maxFiles rolled files are kept. Every write is synced so
// `divan logs -f` sees it at once.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		keep:    max(maxFiles, 1),
		syncAll: true,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// SetImmediateSync toggles syncing after every write.
func (w *RotatingWriter) SetImmediateSync(enabled bool) {
	w.mu.Lock()
	w.syncAll = enabled
	w.mu.Unlock()
}

// Write implements io.Writer. A failed rollover is reported on stderr and
// the entry is still written.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rollover(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "divan: log rotation failed: %v\n", err)
		}
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err == nil && w.syncAll {
		_ = w.file.Sync()
	}
	return n, err
}

// Sync flushes the file to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the file. Safe to call more than once.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) rolled(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// rollover closes the live file and shifts every rolled file up by one,
// oldest first so no rename overwrites a file that is still needed.
func (w *RotatingWriter) rollover() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	if err := os.Remove(w.rolled(w.keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to drop oldest log: %w", err)
	}
	for n := w.keep - 1; n >= 1; n-- {
		if err := os.Rename(w.rolled(n), w.rolled(n+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to shift %s: %w", w.rolled(n), err)
		}
	}
	if err := os.Rename(w.path, w.rolled(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return w.open()
}
