package index

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/Aman-CERP/divan/internal/store"
)

// MapIndex indexes the entries a map function emits for each document.
// Every entry carries the __document_id of the document it came from.
type MapIndex struct {
	*Index
	mapFn IndexingFunc
}

// OpenMapIndex opens a map index.
func OpenMapIndex(ctx context.Context, opts Options, mapFn IndexingFunc) (*MapIndex, error) {
	if mapFn == nil {
		return nil, fmt.Errorf("map function is required for index %s", opts.Name)
	}
	idx, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	m := &MapIndex{Index: idx, mapFn: mapFn}
	idx.retriever = m
	return m, nil
}

// Kind implements Indexer.
func (m *MapIndex) Kind() Kind { return KindMap }

// IndexDocuments replaces the entries of every document in docs with the
// output of the map function. Documents whose map function fails are
// reported to sink and skipped; the rest of the batch is indexed.
func (m *MapIndex) IndexDocuments(ctx context.Context, docs []store.Entry, sink ErrorSink, actions Actions) error {
	added := 0
	err := m.Write(ctx, func(w store.Writer) (bool, error) {
		changed := false
		for _, doc := range docs {
			key, ok := doc.DocumentID()
			if !ok {
				continue
			}
			n, err := w.DeleteByTerm(ctx, store.DocumentIDField, key)
			if err != nil {
				return changed, err
			}
			changed = changed || n > 0
		}

		for entry := range robustEnumeration(m.name, NewSliceCursor(docs), m.mapFn, actions, sink, m.logger) {
			if _, ok := entry.DocumentID(); !ok {
				sink.AddError(m.name, "", "map output has no "+store.DocumentIDField)
				continue
			}
			id, err := uuid.NewV4()
			if err != nil {
				return changed, fmt.Errorf("failed to generate entry id: %w", err)
			}
			if err := w.Add(id.String(), entry); err != nil {
				return changed, err
			}
			added++
			changed = true
		}
		return changed, nil
	})
	if err == nil {
		m.metrics.EntriesAdded(m.name, added)
	}
	return err
}

// Remove deletes the entries of the given document keys.
func (m *MapIndex) Remove(ctx context.Context, keys []string, sink ErrorSink, actions Actions) error {
	return m.Write(ctx, func(w store.Writer) (bool, error) {
		removed := 0
		for _, key := range keys {
			n, err := w.DeleteByTerm(ctx, store.DocumentIDField, key)
			if err != nil {
				return removed > 0, err
			}
			removed += n
		}
		return removed > 0, nil
	})
}

// retrieve returns the document key, plus the requested fields when any
// are asked for.
func (m *MapIndex) retrieve(entry store.Entry, fields []string) IndexQueryResult {
	key, _ := entry.DocumentID()
	res := IndexQueryResult{Key: key}
	if len(fields) > 0 {
		res.Projection = project(entry, fields)
	}
	return res
}

var _ Indexer = (*MapIndex)(nil)
