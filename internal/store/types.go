package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reserved field names carried by every index entry.
const (
	// DocumentIDField holds the key of the source document an entry came from.
	DocumentIDField = "__document_id"

	// ReduceKeyField holds the group key of a reduced entry.
	ReduceKeyField = "__reduce_key"

	// SourceField is a stored-only field holding the entry encoded as JSON.
	SourceField = "__source"
)

// Entry is a single index entry: a flat set of named field values.
type Entry map[string]any

// DocumentID returns the entry's __document_id value, if present.
func (e Entry) DocumentID() (string, bool) {
	v, ok := e[DocumentIDField]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return s, s != ""
}

// FieldIndexing controls how a string field is indexed.
type FieldIndexing string

const (
	// FieldAnalyzed runs the value through the standard analyzer (default).
	FieldAnalyzed FieldIndexing = "analyzed"

	// FieldNotAnalyzed indexes the value as one exact term.
	FieldNotAnalyzed FieldIndexing = "not_analyzed"
)

// SortType is the value type used when sorting on a field.
type SortType string

const (
	SortString SortType = "string"
	SortNumber SortType = "number"
	SortDate   SortType = "date"
)

// Valid reports whether t is a known sort type.
func (t SortType) Valid() bool {
	switch t {
	case SortString, SortNumber, SortDate:
		return true
	}
	return false
}

// Mapping describes per-field indexing options for a directory.
type Mapping struct {
	Indexing map[string]FieldIndexing
	Sort     map[string]SortType
}

func (m Mapping) indexing(field string) FieldIndexing {
	switch field {
	case DocumentIDField, ReduceKeyField:
		return FieldNotAnalyzed
	}
	if fi, ok := m.Indexing[field]; ok {
		return fi
	}
	return FieldAnalyzed
}

// SortField is one key of a multi-key sort.
type SortField struct {
	Field      string
	Descending bool
	Type       SortType
}

// Query is a backend-specific translated query expression.
type Query interface {
	String() string
}

// SearchRequest asks a snapshot for the top Size hits of Query.
// A nil Sort ranks by relevance.
type SearchRequest struct {
	Query Query
	Size  int
	Sort  []SortField
}

// Hit is one ranked result slot.
type Hit struct {
	ID    string
	Score float64

	// backend handle used to load stored fields lazily
	ref any
}

// TopDocs is the result of a windowed search.
type TopDocs struct {
	Total uint64
	Hits  []Hit
}

// Directory is an opened index storage location.
type Directory interface {
	// Translate turns a query string into a backend query.
	// An empty or blank string matches every entry.
	Translate(query string) (Query, error)

	// OpenWriter starts a write transaction, taking the index write lock.
	OpenWriter(ctx context.Context) (Writer, error)

	// OpenSnapshot opens a read-only point-in-time view of committed content.
	OpenSnapshot(ctx context.Context) (Snapshot, error)

	// Backend returns the backend name.
	Backend() string

	Close() error
}

// Writer is a write transaction. Nothing is visible until Commit.
// Close must always be called and discards uncommitted changes.
type Writer interface {
	Add(id string, entry Entry) error
	DeleteByTerm(ctx context.Context, field, value string) (int, error)
	Commit() error
	Close() error
}

// Snapshot is an immutable view used to answer queries.
type Snapshot interface {
	Search(ctx context.Context, req SearchRequest) (*TopDocs, error)
	Document(ctx context.Context, hit Hit) (Entry, error)
	Count() (uint64, error)
	Close() error
}

// encodeSource marshals an entry for the stored-only source field.
func encodeSource(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	return data, nil
}

// decodeSource is the inverse of encodeSource.
func decodeSource(data []byte) (Entry, error) {
	if len(data) == 0 {
		return Entry{}, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode stored entry: %w", err)
	}
	return entry, nil
}

// termValue renders a field value the way term lookups compare it.
func termValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
