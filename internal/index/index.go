package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/internal/telemetry"
)

// DefaultQueryCacheSize is the number of translated queries kept per index.
const DefaultQueryCacheSize = 256

// Options configures an index.
type Options struct {
	// Name identifies the index.
	Name string

	// Path is the index directory. Empty keeps the index in memory.
	Path string

	// Backend selects the storage library ("bleve" or "bluge").
	Backend string

	// Mapping carries per-field indexing and sort options.
	Mapping store.Mapping

	// QueryCacheSize bounds the translated query cache (default 256).
	QueryCacheSize int

	// LockRetry controls waiting for a write lock held by another process.
	// The zero value fails immediately with ERR_207_INDEX_LOCKED.
	LockRetry derrors.RetryConfig

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Index owns an index directory and its active reader snapshot.
//
// Writes are serialized by the caller: one writer per index instance.
// Queries may run concurrently with each other and with a write; each query
// sees the snapshot that was active when its iteration started.
type Index struct {
	name    string
	dir     store.Directory
	active  atomic.Pointer[readerHandle]
	closed  atomic.Bool
	queries *lru.Cache[string, store.Query]
	retry   derrors.RetryConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics

	retriever retriever

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the index directory and publishes its first
// snapshot. A stale write lock from a crashed writer is cleared.
func Open(ctx context.Context, opts Options) (*Index, error) {
	if opts.Name == "" {
		return nil, derrors.ValidationError("index name is required", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("index", opts.Name))

	cacheSize := opts.QueryCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultQueryCacheSize
	}
	queries, err := lru.New[string, store.Query](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	dir, err := store.Open(store.Options{
		Path:    opts.Path,
		Backend: opts.Backend,
		Mapping: opts.Mapping,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", opts.Name, err)
	}

	x := &Index{
		name:    opts.Name,
		dir:     dir,
		queries: queries,
		retry:   opts.LockRetry,
		logger:  logger,
		metrics: opts.Metrics,
	}
	if err := x.publish(ctx, false); err != nil {
		_ = dir.Close()
		return nil, err
	}

	logger.Debug("index_opened",
		slog.String("path", opts.Path),
		slog.String("backend", dir.Backend()))
	return x, nil
}

// Name returns the index name.
func (x *Index) Name() string {
	return x.name
}

// Backend returns the storage backend name.
func (x *Index) Backend() string {
	return x.dir.Backend()
}

// Write runs action inside an index write transaction.
//
// The writer is closed on every path. When action reports a change its
// work is committed and, after the writer is closed, a new snapshot is
// published. An error from action or commit is returned after the writer is
// closed and no snapshot is published.
func (x *Index) Write(ctx context.Context, action func(store.Writer) (bool, error)) (err error) {
	if x.closed.Load() {
		return x.closedError()
	}

	w, err := derrors.RetryWithResult(ctx, x.retry, func() (store.Writer, error) {
		w, err := x.dir.OpenWriter(ctx)
		if derrors.IsRetryable(err) {
			x.logger.Debug("index_locked_waiting", slog.String("error", err.Error()))
		}
		return w, err
	})
	if err != nil {
		return err
	}

	var changed bool
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = derrors.New(derrors.ErrCodeWriteFailed,
				fmt.Sprintf("failed to close writer for index %s", x.name), cerr)
		}
		if err == nil && changed {
			err = x.publish(ctx, true)
		}
	}()

	changed, err = action(w)
	if err != nil {
		return x.writeFailed(err)
	}
	if changed {
		if err = w.Commit(); err != nil {
			return x.writeFailed(err)
		}
	}
	return nil
}

func (x *Index) writeFailed(err error) error {
	if derrors.GetCode(err) != "" {
		return err
	}
	return derrors.New(derrors.ErrCodeWriteFailed,
		fmt.Sprintf("write to index %s failed", x.name), err).
		WithDetail("index", x.name)
}

// publish opens a fresh snapshot and makes it the active one. The previous
// handle is retired and closes once its last borrower releases it.
func (x *Index) publish(ctx context.Context, swap bool) error {
	snap, err := x.dir.OpenSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("open snapshot for index %s: %w", x.name, err)
	}

	next := newReaderHandle(snap, x.onReaderReleased)
	x.metrics.ReaderOpened(x.name, swap)

	old := x.active.Swap(next)
	if old != nil {
		old.retire()
	}
	// a write racing Shutdown must not leave a live handle behind
	if x.closed.Load() {
		next.retire()
	}
	return nil
}

func (x *Index) onReaderReleased(err error) {
	x.metrics.ReaderReleased(x.name)
	if err != nil {
		x.logger.Warn("reader_close_failed", slog.String("error", err.Error()))
	}
}

// acquire borrows the active snapshot. A handle released between the load
// and the acquire has already been replaced, so the slot is reloaded.
func (x *Index) acquire() (*lease, error) {
	for {
		h := x.active.Load()
		if l, ok := h.acquire(); ok {
			return l, nil
		}
		if x.closed.Load() && x.active.Load() == h {
			return nil, x.closedError()
		}
	}
}

func (x *Index) closedError() error {
	return derrors.New(derrors.ErrCodeIndexClosed, fmt.Sprintf("index %s is closed", x.name), nil).
		WithDetail("index", x.name)
}

// Close retires the active snapshot, waits until every query using it has
// released it, then closes the directory. Safe to call more than once.
//
// Callers should stop issuing queries first; Close blocks while queries that
// are still iterating hold the snapshot. Use Shutdown to bound the wait.
func (x *Index) Close() error {
	return x.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. When ctx ends first the directory stays
// open, ctx's error is returned, and a later call waits again.
func (x *Index) Shutdown(ctx context.Context) error {
	x.closed.Store(true)

	for {
		h := x.active.Load()
		h.retire()

		select {
		case <-h.done():
		case <-ctx.Done():
			x.logger.Warn("index_shutdown_interrupted", slog.String("error", ctx.Err().Error()))
			return ctx.Err()
		}
		if x.active.Load() == h {
			break
		}
	}

	x.closeOnce.Do(func() {
		if err := x.dir.Close(); err != nil {
			x.closeErr = fmt.Errorf("close index %s: %w", x.name, err)
			return
		}
		x.logger.Debug("index_closed")
	})
	return x.closeErr
}
