package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/storage"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/internal/telemetry"
)

// DefaultBatchSize is the number of changes read per batch.
const DefaultBatchSize = 512

// DocumentSource is the document database an Executer reads from.
type DocumentSource interface {
	DocumentsAfter(ctx context.Context, etag int64, take int) ([]storage.Document, error)
	Stats(ctx context.Context, index string) (storage.IndexingStats, error)
	BeginIndexing(index string) *storage.Actions
	RecordErrors(ctx context.Context, records []storage.ErrorRecord) error
}

// ExecuterConfig tunes an Executer.
type ExecuterConfig struct {
	// Workers bounds how many indexes are indexed at once (default NumCPU).
	Workers int

	// BatchSize is the number of changes handed to an index at a time.
	BatchSize int
}

// ExecuterDependencies contains the injected dependencies for Executer.
type ExecuterDependencies struct {
	// Source supplies documents and persists counters (required).
	Source DocumentSource

	// Registry holds the indexes to run (required).
	Registry *index.Registry

	// Work receives per-document errors (required).
	Work *WorkContext

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// IndexRun summarizes one index's part of a run.
type IndexRun struct {
	Index     string        `json:"index"`
	Documents int           `json:"documents"`
	Deleted   int           `json:"deleted"`
	Attempts  int64         `json:"attempts"`
	Failures  int64         `json:"failures"`
	LastEtag  int64         `json:"last_etag"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// RunResult is the outcome of Executer.Run.
type RunResult struct {
	Indexes  []IndexRun    `json:"indexes"`
	Duration time.Duration `json:"duration"`
}

// Executer brings every registered index up to date with the document
// source. When to run it is up to the caller.
type Executer struct {
	source   DocumentSource
	registry *index.Registry
	work     *WorkContext
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	cfg      ExecuterConfig
}

// NewExecuter creates an Executer with injected dependencies.
func NewExecuter(deps ExecuterDependencies, cfg ExecuterConfig) (*Executer, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("document source is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("index registry is required")
	}
	if deps.Work == nil {
		return nil, fmt.Errorf("work context is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Executer{
		source:   deps.Source,
		registry: deps.Registry,
		work:     deps.Work,
		logger:   logger.With(slog.String("component", "executer")),
		metrics:  deps.Metrics,
		cfg:      cfg,
	}, nil
}

// Run indexes every change each index has not seen yet. Indexes run
// concurrently; one index failing does not stop the others. The returned
// error joins the failures.
func (e *Executer) Run(ctx context.Context) (*RunResult, error) {
	started := time.Now()
	indexes := e.registry.All()
	runs := make([]IndexRun, len(indexes))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, idx := range indexes {
		g.Go(func() error {
			run, err := e.runIndex(gctx, idx)
			runs[i] = run
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	e.persistErrors(ctx)

	result := &RunResult{Indexes: runs, Duration: time.Since(started)}
	e.logger.Info("indexing_run_completed",
		slog.Int("indexes", len(indexes)),
		slog.Int("failed_indexes", len(errs)),
		slog.Duration("duration", result.Duration))
	return result, errors.Join(errs...)
}

func (e *Executer) runIndex(ctx context.Context, idx index.Indexer) (IndexRun, error) {
	started := time.Now()
	run := IndexRun{Index: idx.Name()}

	err := e.indexChanges(ctx, idx, &run)
	run.Duration = time.Since(started)
	if err != nil {
		if derrors.GetCode(err) == "" || derrors.GetCode(err) == derrors.ErrCodeWriteFailed {
			err = derrors.New(derrors.ErrCodeIndexFailed, fmt.Sprintf("indexing %s failed", idx.Name()), err).
				WithDetail("index", idx.Name())
		}
		run.Error = err.Error()
		attrs := append([]any{slog.String("index", idx.Name())}, attrsOf(derrors.LogAttrs(err))...)
		e.logger.Error("index_run_failed", attrs...)
		return run, err
	}

	e.logger.Debug("index_run_completed",
		slog.String("index", idx.Name()),
		slog.Int("documents", run.Documents),
		slog.Int("deleted", run.Deleted),
		slog.Int64("failures", run.Failures),
		slog.Int64("last_etag", run.LastEtag))
	return run, nil
}

func (e *Executer) indexChanges(ctx context.Context, idx index.Indexer, run *IndexRun) error {
	stats, err := e.source.Stats(ctx, idx.Name())
	if err != nil {
		return err
	}
	etag := stats.LastIndexedEtag
	run.LastEtag = etag

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		changes, err := e.source.DocumentsAfter(ctx, etag, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		var (
			live    []store.Entry
			deleted []string
		)
		for _, c := range changes {
			if c.Deleted {
				deleted = append(deleted, c.Key)
			} else {
				live = append(live, c.Entry())
			}
		}

		actions := e.source.BeginIndexing(idx.Name())
		if err := applyChanges(ctx, idx, live, deleted, e.work, actions); err != nil {
			if rerr := actions.Rollback(); rerr != nil {
				e.logger.Warn("indexing_rollback_failed",
					slog.String("index", idx.Name()),
					slog.String("error", rerr.Error()))
			}
			return err
		}

		attempts, failures := actions.Attempts(), actions.Failures()
		etag = changes[len(changes)-1].Etag
		if err := actions.Commit(ctx, etag); err != nil {
			return err
		}
		e.metrics.AddIndexingCounts(idx.Name(), attempts, failures)

		run.Documents += len(live)
		run.Deleted += len(deleted)
		run.Attempts += attempts
		run.Failures += failures
		run.LastEtag = etag

		if len(changes) < e.cfg.BatchSize {
			return nil
		}
	}
}

// applyChanges hands one batch to idx, deletions first.
func applyChanges(ctx context.Context, idx index.Indexer, live []store.Entry, deleted []string, sink index.ErrorSink, actions index.Actions) error {
	if len(deleted) > 0 {
		if err := idx.Remove(ctx, deleted, sink, actions); err != nil {
			return err
		}
	}
	if len(live) > 0 {
		if err := idx.IndexDocuments(ctx, live, sink, actions); err != nil {
			return err
		}
	}
	return nil
}

// persistErrors hands the errors of this run to the source so they outlive
// the process. Failing to store them is logged, not returned.
func (e *Executer) persistErrors(ctx context.Context) {
	pending := e.work.TakePending()
	if len(pending) == 0 {
		return
	}
	records := make([]storage.ErrorRecord, len(pending))
	for i, p := range pending {
		records[i] = storage.ErrorRecord(p)
	}
	if err := e.source.RecordErrors(ctx, records); err != nil {
		e.logger.Warn("persist_indexing_errors_failed",
			slog.Int("errors", len(records)),
			slog.String("error", err.Error()))
	}
}

func attrsOf(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}
