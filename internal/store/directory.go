package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

// Backend names the underlying index library.
type Backend string

const (
	// BackendBleve uses Bleve v2 scorch indexes (default).
	BackendBleve Backend = "bleve"

	// BackendBluge uses Bluge segment indexes.
	BackendBluge Backend = "bluge"
)

// Options configures Open.
type Options struct {
	// Path is the index directory. Empty creates an in-memory index.
	Path string

	// Backend selects the index library ("bleve" when empty).
	Backend string

	Mapping Mapping
	Logger  *slog.Logger
}

// Open opens (or creates) an index directory with the configured backend.
// A write lock left by a crashed process is cleared first.
//
// Layout of a persistent directory:
//   - <path>/write.lock   present while a writer is open
//   - <path>/index.bleve  or <path>/index.bluge
func Open(opts Options) (Directory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Path != "" {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", opts.Path, err)
		}
		if err := ClearStaleLock(opts.Path, logger); err != nil {
			return nil, err
		}
	}

	switch Backend(opts.Backend) {
	case BackendBleve, "":
		return openBleve(opts.Path, opts.Mapping, logger)
	case BackendBluge:
		return openBluge(opts.Path, opts.Mapping, logger)
	default:
		return nil, fmt.Errorf("unknown index backend: %s (valid options: bleve, bluge)", opts.Backend)
	}
}

// Reset deletes the index data under path while holding its write lock,
// waiting for another writer as retry allows. before, when not nil, runs
// under the lock ahead of the deletion; if it fails nothing is deleted.
// The directory and the lock file survive until the lock is released.
func Reset(ctx context.Context, path string, retry derrors.RetryConfig, before func() error) (err error) {
	if path == "" {
		return derrors.ValidationError("reset needs an index directory", nil)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	lock := NewWriteLock(path)
	if err := derrors.Retry(ctx, retry, lock.TryLock); err != nil {
		return err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	if before != nil {
		if err := before(); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, e := range entries {
		if e.Name() == WriteLockName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// DetectBackend reports which backend an existing index directory uses.
// Returns an empty string if no index exists.
func DetectBackend(path string) Backend {
	if dirExists(filepath.Join(path, "index.bleve")) {
		return BackendBleve
	}
	if dirExists(filepath.Join(path, "index.bluge")) {
		return BackendBluge
	}
	return ""
}

// dirExists checks if a directory exists at the given path.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// pendingAdds buffers entries added in a write transaction so that a later
// delete in the same transaction can still remove them.
type pendingAdds struct {
	ids     []string
	entries map[string]Entry
}

func newPendingAdds() *pendingAdds {
	return &pendingAdds{entries: make(map[string]Entry)}
}

func (p *pendingAdds) add(id string, entry Entry) {
	if _, ok := p.entries[id]; !ok {
		p.ids = append(p.ids, id)
	}
	p.entries[id] = entry
}

// deleteByTerm drops buffered entries whose field equals value.
func (p *pendingAdds) deleteByTerm(field, value string) int {
	removed := 0
	for id, entry := range p.entries {
		if termValue(entry[field]) == value {
			delete(p.entries, id)
			removed++
		}
	}
	return removed
}

// each visits buffered entries in insertion order.
func (p *pendingAdds) each(fn func(id string, entry Entry) error) error {
	for _, id := range p.ids {
		entry, ok := p.entries[id]
		if !ok {
			continue
		}
		if err := fn(id, entry); err != nil {
			return err
		}
	}
	return nil
}

func (p *pendingAdds) reset() {
	p.ids = p.ids[:0]
	clear(p.entries)
}
