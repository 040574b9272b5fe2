package index

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/Aman-CERP/divan/internal/store"
)

// Cursor is a stateful, forward-only input shared by every invocation of an
// indexing function during one batch. Restarting a function never rewinds it.
type Cursor interface {
	// Next advances to the next item and reports whether there was one.
	Next() bool

	// Current returns the item Next last advanced to, or nil.
	Current() store.Entry
}

// Iterator produces the output of an indexing function.
// Next returns ok=false at a clean end.
type Iterator interface {
	Next() (entry store.Entry, ok bool, err error)
}

// IndexingFunc derives an output iterator from the shared input cursor.
type IndexingFunc func(input Cursor) Iterator

type sliceCursor struct {
	items []store.Entry
	pos   int
}

// NewSliceCursor returns a cursor over items.
func NewSliceCursor(items []store.Entry) Cursor {
	return &sliceCursor{items: items}
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.items) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Current() store.Entry {
	if c.pos == 0 {
		return nil
	}
	return c.items[c.pos-1]
}

// countingCursor records how far the input has been consumed.
type countingCursor struct {
	Cursor
	consumed int
}

func (c *countingCursor) Next() bool {
	ok := c.Cursor.Next()
	if ok {
		c.consumed++
	}
	return ok
}

// robustEnumerator drives an indexing function over a shared cursor,
// isolating failures of individual documents.
//
// Before every advance of the current output iterator the attempt counter is
// incremented. A clean end decrements it once and finishes. An error or a
// panic counts a failure, reports it, discards the output iterator and
// re-derives a fresh one from the same cursor, skipping the failed item.
type robustEnumerator struct {
	index    string
	input    *countingCursor
	fn       IndexingFunc
	counters IndexingCounters
	sink     ErrorSink
	logger   *slog.Logger

	current Iterator

	// consumed position at the last restart; a failure that consumed no
	// new input would otherwise restart forever
	restartedAt int
	finished    bool
}

// robustEnumeration returns a lazy sequence of fn's output over input.
func robustEnumeration(index string, input Cursor, fn IndexingFunc, counters IndexingCounters, sink ErrorSink, logger *slog.Logger) iter.Seq[store.Entry] {
	return func(yield func(store.Entry) bool) {
		r := &robustEnumerator{
			index:       index,
			input:       &countingCursor{Cursor: input},
			fn:          fn,
			counters:    counters,
			sink:        sink,
			logger:      logger,
			restartedAt: -1,
		}
		for {
			entry, ok := r.next()
			if !ok || !yield(entry) {
				return
			}
		}
	}
}

func (r *robustEnumerator) next() (store.Entry, bool) {
	for !r.finished {
		if r.current == nil {
			it, err := r.derive()
			if err != nil {
				r.counters.IncrementIndexingFailure()
				r.fail(err)
				continue
			}
			r.current = it
		}

		r.counters.IncrementIndexingAttempt()
		entry, ok, err := r.advance()
		switch {
		case err != nil:
			r.counters.IncrementIndexingFailure()
			r.fail(err)
		case !ok:
			r.counters.DecrementIndexingAttempt()
			r.finished = true
		default:
			return entry, true
		}
	}
	return nil, false
}

// fail reports err against the current input document and schedules a
// restart of the indexing function.
func (r *robustEnumerator) fail(err error) {
	docID := documentIDOf(r.input.Current())
	r.sink.AddError(r.index, docID, err.Error())
	r.logger.Warn("indexing_document_failed",
		slog.String("index", r.index),
		slog.String("document_id", docID),
		slog.String("error", err.Error()))

	if r.input.consumed == r.restartedAt {
		r.logger.Error("indexing_function_stalled",
			slog.String("index", r.index),
			slog.Int("consumed", r.input.consumed))
		r.finished = true
		return
	}
	r.restartedAt = r.input.consumed
	r.current = nil
}

func (r *robustEnumerator) derive() (it Iterator, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("indexing function panicked: %v", p)
		}
	}()
	return r.fn(r.input), nil
}

func (r *robustEnumerator) advance() (entry store.Entry, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			entry, ok, err = nil, false, fmt.Errorf("indexing function panicked: %v", p)
		}
	}()
	return r.current.Next()
}

// documentIDOf extracts the best-effort identity of an input item.
func documentIDOf(e store.Entry) string {
	if e == nil {
		return ""
	}
	if id, ok := e.DocumentID(); ok {
		return id
	}
	if k, ok := e[store.ReduceKeyField].(string); ok {
		return k
	}
	return ""
}

// MapFunc adapts a per-document function into an IndexingFunc. Each output
// entry inherits the source document's __document_id when it has none.
func MapFunc(fn func(doc store.Entry) ([]store.Entry, error)) IndexingFunc {
	return func(input Cursor) Iterator {
		return &mapIterator{input: input, fn: fn}
	}
}

type mapIterator struct {
	input   Cursor
	fn      func(store.Entry) ([]store.Entry, error)
	pending []store.Entry
}

func (it *mapIterator) Next() (store.Entry, bool, error) {
	for len(it.pending) == 0 {
		if !it.input.Next() {
			return nil, false, nil
		}
		doc := it.input.Current()
		out, err := it.fn(doc)
		if err != nil {
			return nil, false, err
		}
		if id, ok := doc.DocumentID(); ok {
			for _, e := range out {
				if _, has := e[store.DocumentIDField]; !has && e != nil {
					e[store.DocumentIDField] = id
				}
			}
		}
		it.pending = out
	}

	e := it.pending[0]
	it.pending = it.pending[1:]
	return e, true, nil
}

// MappedResultsField carries the grouped map outputs handed to a reduce
// function. It is never stored.
const MappedResultsField = "__mapped_results"

// ReduceFunc adapts a per-group reduce function into an IndexingFunc. The
// input cursor yields one item per reduce key holding __reduce_key and the
// group's mapped results. Groups left empty produce no output.
func ReduceFunc(fn func(reduceKey string, mapped []store.Entry) (store.Entry, error)) IndexingFunc {
	return func(input Cursor) Iterator {
		return &reduceIterator{input: input, fn: fn}
	}
}

type reduceIterator struct {
	input Cursor
	fn    func(string, []store.Entry) (store.Entry, error)
}

func (it *reduceIterator) Next() (store.Entry, bool, error) {
	for it.input.Next() {
		group := it.input.Current()
		key, _ := group[store.ReduceKeyField].(string)
		mapped, _ := group[MappedResultsField].([]store.Entry)
		if len(mapped) == 0 {
			continue
		}
		out, err := it.fn(key, mapped)
		if err != nil {
			return nil, false, err
		}
		if out == nil {
			continue
		}
		out[store.ReduceKeyField] = key
		return out, true, nil
	}
	return nil, false, nil
}
