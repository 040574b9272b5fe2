package index

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/divan/internal/store"
)

var testBackends = []store.Backend{store.BackendBleve, store.BackendBluge}

// memActions is an in-memory Actions implementation.
type memActions struct {
	mu       sync.Mutex
	attempts int
	failures int
	mapped   map[string]map[string][]store.Entry // view -> docKey -> outputs
}

func newMemActions() *memActions {
	return &memActions{mapped: make(map[string]map[string][]store.Entry)}
}

func (a *memActions) IncrementIndexingAttempt() { a.mu.Lock(); a.attempts++; a.mu.Unlock() }
func (a *memActions) DecrementIndexingAttempt() { a.mu.Lock(); a.attempts--; a.mu.Unlock() }
func (a *memActions) IncrementIndexingFailure() { a.mu.Lock(); a.failures++; a.mu.Unlock() }

func (a *memActions) PutMappedResult(ctx context.Context, view, documentKey, reduceKey string, data store.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapped[view] == nil {
		a.mapped[view] = make(map[string][]store.Entry)
	}
	a.mapped[view][documentKey] = append(a.mapped[view][documentKey], data)
	return nil
}

func (a *memActions) DeleteMappedResultsForDocument(ctx context.Context, view, documentKey string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for _, e := range a.mapped[view][documentKey] {
		keys = append(keys, e[store.ReduceKeyField].(string))
	}
	delete(a.mapped[view], documentKey)
	return keys, nil
}

func (a *memActions) GetMappedResults(ctx context.Context, view string, reduceKeys []string) (map[string][]store.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]store.Entry)
	for _, outputs := range a.mapped[view] {
		for _, e := range outputs {
			k := e[store.ReduceKeyField].(string)
			if slices.Contains(reduceKeys, k) {
				out[k] = append(out[k], e)
			}
		}
	}
	return out, nil
}

type sinkRecord struct {
	Index, DocumentID, Message string
}

// memSink collects reported indexing errors.
type memSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *memSink) AddError(index, documentID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{index, documentID, message})
}

func (s *memSink) Records() []sinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

func doc(key string, fields ...any) store.Entry {
	e := store.Entry{store.DocumentIDField: key}
	for i := 0; i+1 < len(fields); i += 2 {
		e[fields[i].(string)] = fields[i+1]
	}
	return e
}

// identityMap emits each document as-is; documents with "bad" set fail.
var identityMap = MapFunc(func(d store.Entry) ([]store.Entry, error) {
	if bad, _ := d["bad"].(bool); bad {
		return nil, errors.New("cannot index a bad document")
	}
	return []store.Entry{maps.Clone(d)}, nil
})

func openTestMapIndex(t *testing.T, backend store.Backend, fn IndexingFunc, mapping store.Mapping) *MapIndex {
	t.Helper()
	if fn == nil {
		fn = identityMap
	}
	idx, err := OpenMapIndex(context.Background(), Options{
		Name:    "Users",
		Backend: string(backend),
		Mapping: mapping,
	}, fn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func indexDocs(t *testing.T, idx Indexer, docs ...store.Entry) (*memActions, *memSink) {
	t.Helper()
	actions, sink := newMemActions(), &memSink{}
	require.NoError(t, idx.IndexDocuments(context.Background(), docs, sink, actions))
	return actions, sink
}

func resultKeys(results []IndexQueryResult) []string {
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	return keys
}

// countingSnapshot wraps a snapshot and counts Close calls.
type countingSnapshot struct {
	store.Snapshot
	mu     sync.Mutex
	closes int
}

func (s *countingSnapshot) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	if s.Snapshot == nil {
		return nil
	}
	return s.Snapshot.Close()
}

func (s *countingSnapshot) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func keysOf(n int) []store.Entry {
	docs := make([]store.Entry, n)
	for i := range docs {
		docs[i] = doc(fmt.Sprintf("users/%d", i+1), "name", fmt.Sprintf("user %d", i+1), "age", float64(i+1))
	}
	return docs
}
