package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gofrs/uuid"

	"github.com/Aman-CERP/divan/internal/store"
)

// MapReduceIndex stores map outputs through Actions and indexes one reduced
// entry per reduce key. Re-indexing or removing a document re-reduces every
// key its old and new outputs belong to.
type MapReduceIndex struct {
	*Index
	mapFn    IndexingFunc
	reduceFn IndexingFunc
}

// OpenMapReduceIndex opens a map-reduce index.
func OpenMapReduceIndex(ctx context.Context, opts Options, mapFn, reduceFn IndexingFunc) (*MapReduceIndex, error) {
	if mapFn == nil || reduceFn == nil {
		return nil, fmt.Errorf("map and reduce functions are required for index %s", opts.Name)
	}
	idx, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	m := &MapReduceIndex{Index: idx, mapFn: mapFn, reduceFn: reduceFn}
	idx.retriever = m
	return m, nil
}

// Kind implements Indexer.
func (m *MapReduceIndex) Kind() Kind { return KindMapReduce }

// IndexDocuments runs the map phase over docs, then re-reduces every
// affected reduce key.
func (m *MapReduceIndex) IndexDocuments(ctx context.Context, docs []store.Entry, sink ErrorSink, actions Actions) error {
	affected := make(map[string]struct{})

	for _, doc := range docs {
		key, ok := doc.DocumentID()
		if !ok {
			continue
		}
		old, err := actions.DeleteMappedResultsForDocument(ctx, m.name, key)
		if err != nil {
			return err
		}
		for _, k := range old {
			affected[k] = struct{}{}
		}
	}

	for entry := range robustEnumeration(m.name, NewSliceCursor(docs), m.mapFn, actions, sink, m.logger) {
		docKey, _ := entry.DocumentID()
		reduceKey, ok := entry[store.ReduceKeyField].(string)
		if !ok {
			sink.AddError(m.name, docKey, "map output has no "+store.ReduceKeyField)
			continue
		}
		if err := actions.PutMappedResult(ctx, m.name, docKey, reduceKey, entry); err != nil {
			return err
		}
		affected[reduceKey] = struct{}{}
	}

	return m.reduce(ctx, affected, sink, actions)
}

// Remove deletes the map outputs of keys and re-reduces what they fed.
func (m *MapReduceIndex) Remove(ctx context.Context, keys []string, sink ErrorSink, actions Actions) error {
	affected := make(map[string]struct{})
	for _, key := range keys {
		old, err := actions.DeleteMappedResultsForDocument(ctx, m.name, key)
		if err != nil {
			return err
		}
		for _, k := range old {
			affected[k] = struct{}{}
		}
	}
	return m.reduce(ctx, affected, sink, actions)
}

// reduce replaces the index entries of each affected reduce key with the
// reduce function's output over its current mapped results.
func (m *MapReduceIndex) reduce(ctx context.Context, affected map[string]struct{}, sink ErrorSink, actions Actions) error {
	if len(affected) == 0 {
		return nil
	}
	keys := make([]string, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	groups, err := actions.GetMappedResults(ctx, m.name, keys)
	if err != nil {
		return err
	}

	input := make([]store.Entry, 0, len(keys))
	for _, k := range keys {
		input = append(input, store.Entry{
			store.ReduceKeyField: k,
			MappedResultsField:   groups[k],
		})
	}

	added := 0
	err = m.Write(ctx, func(w store.Writer) (bool, error) {
		changed := false
		for _, k := range keys {
			n, err := w.DeleteByTerm(ctx, store.ReduceKeyField, k)
			if err != nil {
				return changed, err
			}
			changed = changed || n > 0
		}

		for entry := range robustEnumeration(m.name, NewSliceCursor(input), m.reduceFn, actions, sink, m.logger) {
			delete(entry, MappedResultsField)
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
	if err != nil {
		return err
	}

	m.metrics.EntriesAdded(m.name, added)
	m.logger.Debug("reduce_completed",
		slog.Int("reduce_keys", len(keys)),
		slog.Int("entries", added))
	return nil
}

// retrieve projects the stored reduce result; reduce results have no
// document key.
func (m *MapReduceIndex) retrieve(entry store.Entry, fields []string) IndexQueryResult {
	return IndexQueryResult{Projection: project(entry, fields)}
}

var _ Indexer = (*MapReduceIndex)(nil)
