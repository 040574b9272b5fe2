// Package indexing drives stored documents into indexes and records what
// went wrong along the way.
package indexing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/telemetry"
)

// MaxRecentErrors is the number of indexing errors a WorkContext keeps.
const MaxRecentErrors = 50

// IndexingError is one document that failed to index.
type IndexingError struct {
	Index      string    `json:"index"`
	DocumentID string    `json:"document_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkContext is the error sink shared by every index of a process. It
// keeps the most recent errors; older ones are dropped.
type WorkContext struct {
	errors  *telemetry.CircularBuffer[IndexingError]
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending []IndexingError
}

var _ index.ErrorSink = (*WorkContext)(nil)

// NewWorkContext creates a work context. logger and metrics may be nil.
func NewWorkContext(logger *slog.Logger, metrics *telemetry.Metrics) *WorkContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkContext{
		errors:  telemetry.NewCircularBuffer[IndexingError](MaxRecentErrors),
		logger:  logger.With(slog.String("component", "indexing")),
		metrics: metrics,
		now:     time.Now,
	}
}

// AddError records a failed document.
func (w *WorkContext) AddError(indexName, documentID, message string) {
	e := IndexingError{
		Index:      indexName,
		DocumentID: documentID,
		Message:    message,
		Timestamp:  w.now(),
	}
	w.errors.Add(e)

	w.mu.Lock()
	if len(w.pending) == MaxRecentErrors {
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, e)
	w.mu.Unlock()

	w.metrics.IndexingError(indexName)
	w.logger.Warn("indexing_error",
		slog.String("index", indexName),
		slog.String("document_id", documentID),
		slog.String("error", message))
}

// Errors returns the recent errors, oldest first.
func (w *WorkContext) Errors() []IndexingError {
	return w.errors.Items()
}

// ErrorsFor returns the recent errors of one index, oldest first.
func (w *WorkContext) ErrorsFor(indexName string) []IndexingError {
	var out []IndexingError
	for _, e := range w.errors.Items() {
		if e.Index == indexName {
			out = append(out, e)
		}
	}
	return out
}

// TakePending returns the errors added since the previous call, oldest
// first, at most MaxRecentErrors of them.
func (w *WorkContext) TakePending() []IndexingError {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}
