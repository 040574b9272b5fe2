// Package index implements the indexing and query core: hot-swapped reader
// snapshots, the fault-isolating indexing pipeline, windowed queries, and the
// map and map-reduce index variants built on top of them.
package index

import (
	"context"
	"fmt"
	"iter"
	"strings"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
)

// IndexQuery describes one query against an index.
type IndexQuery struct {
	// Query is the query string. Empty matches every entry.
	Query string

	// Start is the zero-based rank of the first result.
	Start int

	// PageSize is the maximum number of result slots to visit.
	PageSize int

	// SortedFields orders results; nil ranks by relevance.
	SortedFields []SortedField

	// FieldsToFetch restricts the projection. With fewer than two fields,
	// results sharing a document id are collapsed.
	FieldsToFetch []string

	// TotalSize receives the total number of hits when non-nil.
	TotalSize *int
}

// SortedField is one key of a multi-key sort.
type SortedField struct {
	Field      string
	Descending bool
	Type       store.SortType
}

// ParseSortedField parses "[-]field[:type]", e.g. "-age:number".
// The type defaults to string.
func ParseSortedField(s string) (SortedField, error) {
	s = strings.TrimSpace(s)
	var sf SortedField
	if strings.HasPrefix(s, "-") {
		sf.Descending = true
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}

	sf.Type = store.SortString
	if name, typ, ok := strings.Cut(s, ":"); ok {
		s = name
		sf.Type = store.SortType(typ)
	}
	sf.Field = s

	if sf.Field == "" {
		return SortedField{}, derrors.New(derrors.ErrCodeInvalidSort, "sort field name is empty", nil)
	}
	if !sf.Type.Valid() {
		return SortedField{}, derrors.New(derrors.ErrCodeInvalidSort,
			fmt.Sprintf("unknown sort type %q for field %s", sf.Type, sf.Field), nil).
			WithSuggestion("use one of string, number, date")
	}
	return sf, nil
}

// String renders the field in ParseSortedField notation.
func (f SortedField) String() string {
	prefix := ""
	if f.Descending {
		prefix = "-"
	}
	return prefix + f.Field + ":" + string(f.Type)
}

// IndexQueryResult is one retrieved, projected result.
type IndexQueryResult struct {
	// Key is the source document key. Empty for reduce results.
	Key string `json:"key,omitempty"`

	// Projection holds the fetched fields.
	Projection store.Entry `json:"projection,omitempty"`

	Score float64 `json:"score"`
}

// IndexingCounters tracks attempts and failures of one indexing batch.
type IndexingCounters interface {
	IncrementIndexingAttempt()
	DecrementIndexingAttempt()
	IncrementIndexingFailure()
}

// ErrorSink receives per-document indexing failures.
type ErrorSink interface {
	AddError(index, documentID, message string)
}

// Actions is the storage surface an index uses during one indexing batch.
// Map indexes only use the counters.
type Actions interface {
	IndexingCounters

	// PutMappedResult stores one map output of a map-reduce index.
	PutMappedResult(ctx context.Context, view, documentKey, reduceKey string, data store.Entry) error

	// DeleteMappedResultsForDocument removes a document's map outputs and
	// returns the reduce keys they belonged to.
	DeleteMappedResultsForDocument(ctx context.Context, view, documentKey string) ([]string, error)

	// GetMappedResults loads the map outputs of each reduce key.
	GetMappedResults(ctx context.Context, view string, reduceKeys []string) (map[string][]store.Entry, error)
}

// Indexer is implemented by the map and map-reduce index variants.
type Indexer interface {
	Name() string
	Kind() Kind
	IndexDocuments(ctx context.Context, docs []store.Entry, sink ErrorSink, actions Actions) error
	Remove(ctx context.Context, keys []string, sink ErrorSink, actions Actions) error
	Query(ctx context.Context, q *IndexQuery) (iter.Seq2[IndexQueryResult, error], error)
	QueryAll(ctx context.Context, q *IndexQuery) ([]IndexQueryResult, error)
	Close() error
}

// Kind names an index variant.
type Kind string

const (
	KindMap       Kind = "map"
	KindMapReduce Kind = "map-reduce"
)

// retriever turns a stored entry into a query result.
type retriever interface {
	retrieve(entry store.Entry, fieldsToFetch []string) IndexQueryResult
}

// project copies the requested fields of entry. Reserved fields are never
// projected unless asked for by name.
func project(entry store.Entry, fields []string) store.Entry {
	out := make(store.Entry, len(fields))
	if len(fields) == 0 {
		for k, v := range entry {
			if strings.HasPrefix(k, "__") {
				continue
			}
			out[k] = v
		}
		return out
	}
	for _, f := range fields {
		if v, ok := entry[f]; ok {
			out[f] = v
		}
	}
	return out
}
