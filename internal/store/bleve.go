package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/collector"
	"github.com/blevesearch/bleve/v2/search/query"
	index "github.com/blevesearch/bleve_index_api"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

// deletePageSize bounds each term lookup issued by DeleteByTerm.
const deletePageSize = 1000

// bleveDirectory stores an index with Bleve v2.
type bleveDirectory struct {
	mu     sync.Mutex
	idx    bleve.Index
	path   string
	dir    string
	closed bool
	logger *slog.Logger
}

// bleveQuery is a translated Bleve query.
type bleveQuery struct {
	text string
	q    query.Query
}

func (q *bleveQuery) String() string { return q.text }

// validateIndexIntegrity checks if a Bleve index is valid before opening.
// Returns nil if valid or absent, error describing corruption if not.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func corruptIndexError(path string, cause error) error {
	return derrors.New(derrors.ErrCodeCorruptIndex, fmt.Sprintf("index at %s is corrupted", path), cause).
		WithSuggestion("remove the index directory and run 'divan index' to rebuild it")
}

func openBleve(dir string, m Mapping, logger *slog.Logger) (*bleveDirectory, error) {
	indexMapping := createIndexMapping(m)

	var (
		idx  bleve.Index
		err  error
		path string
	)
	if dir == "" {
		// In-memory index for testing
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		path = filepath.Join(dir, "index.bleve")
		if validErr := validateIndexIntegrity(path); validErr != nil {
			logger.Warn("bleve_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			return nil, corruptIndexError(path, validErr)
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err == bleve.ErrorIndexMetaCorrupt {
			return nil, corruptIndexError(path, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &bleveDirectory{
		idx:    idx,
		path:   path,
		dir:    dir,
		logger: logger,
	}, nil
}

// createIndexMapping builds the Bleve mapping for an index definition.
// Dynamic fields are indexed but not stored; the entry itself lives in the
// stored-only source field.
func createIndexMapping(m Mapping) *mapping.IndexMappingImpl {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.StoreDynamic = false

	docMapping := bleve.NewDocumentMapping()

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.DocValues = false
	docMapping.AddFieldMappingsAt(SourceField, source)

	for _, name := range []string{DocumentIDField, ReduceKeyField} {
		fm := bleve.NewKeywordFieldMapping()
		fm.Store = false
		fm.IncludeInAll = false
		docMapping.AddFieldMappingsAt(name, fm)
	}

	seen := make(map[string]bool)
	for field, st := range m.Sort {
		seen[field] = true
		var fm *mapping.FieldMapping
		switch st {
		case SortNumber:
			fm = bleve.NewNumericFieldMapping()
		case SortDate:
			fm = bleve.NewDateTimeFieldMapping()
		default:
			if m.Indexing[field] == FieldAnalyzed {
				fm = bleve.NewTextFieldMapping()
			} else {
				fm = bleve.NewKeywordFieldMapping()
			}
		}
		fm.Store = false
		docMapping.AddFieldMappingsAt(field, fm)
	}
	for field, fi := range m.Indexing {
		if seen[field] || fi != FieldNotAnalyzed {
			continue
		}
		fm := bleve.NewKeywordFieldMapping()
		fm.Store = false
		docMapping.AddFieldMappingsAt(field, fm)
	}

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Backend implements Directory.
func (d *bleveDirectory) Backend() string { return string(BackendBleve) }

// Translate implements Directory.
func (d *bleveDirectory) Translate(queryStr string) (Query, error) {
	if strings.TrimSpace(queryStr) == "" {
		return &bleveQuery{q: bleve.NewMatchAllQuery()}, nil
	}
	parsed, err := bleve.NewQueryStringQuery(queryStr).Parse()
	if err != nil {
		return nil, derrors.InvalidQueryError(queryStr, err)
	}
	return &bleveQuery{text: queryStr, q: parsed}, nil
}

// OpenWriter implements Directory.
func (d *bleveDirectory) OpenWriter(ctx context.Context) (Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, derrors.New(derrors.ErrCodeIndexClosed, "index is closed", nil)
	}

	lock := NewWriteLock(d.dir)
	if err := lock.TryLock(); err != nil {
		return nil, err
	}

	return &bleveWriter{
		dir:     d,
		batch:   d.idx.NewBatch(),
		pending: newPendingAdds(),
		lock:    lock,
	}, nil
}

// OpenSnapshot implements Directory.
func (d *bleveDirectory) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, derrors.New(derrors.ErrCodeIndexClosed, "index is closed", nil)
	}

	adv, err := d.idx.Advanced()
	if err != nil {
		return nil, fmt.Errorf("failed to access index internals: %w", err)
	}
	reader, err := adv.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open index reader: %w", err)
	}
	return &bleveSnapshot{reader: reader, mapping: d.idx.Mapping()}, nil
}

// Close implements Directory.
func (d *bleveDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.idx.Close()
}

// bleveWriter buffers one write transaction in a Bleve batch.
type bleveWriter struct {
	dir     *bleveDirectory
	batch   *bleve.Batch
	pending *pendingAdds
	deleted map[string]struct{}
	lock    *WriteLock
	closed  bool
}

// Add implements Writer.
func (w *bleveWriter) Add(id string, entry Entry) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	w.pending.add(id, entry)
	return nil
}

// DeleteByTerm implements Writer.
func (w *bleveWriter) DeleteByTerm(ctx context.Context, field, value string) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	if w.deleted == nil {
		w.deleted = make(map[string]struct{})
	}

	deleted := w.pending.deleteByTerm(field, value)

	q := bleve.NewTermQuery(value)
	q.SetField(field)
	for from := 0; ; from += deletePageSize {
		req := bleve.NewSearchRequestOptions(q, deletePageSize, from, false)
		res, err := w.dir.idx.SearchInContext(ctx, req)
		if err != nil {
			return deleted, fmt.Errorf("failed to find entries where %s=%s: %w", field, value, err)
		}
		for _, hit := range res.Hits {
			if _, ok := w.deleted[hit.ID]; ok {
				continue
			}
			w.deleted[hit.ID] = struct{}{}
			w.batch.Delete(hit.ID)
			deleted++
		}
		if len(res.Hits) < deletePageSize {
			break
		}
	}
	return deleted, nil
}

// Commit implements Writer.
func (w *bleveWriter) Commit() error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	err := w.pending.each(func(id string, entry Entry) error {
		doc, err := bleveDocument(entry)
		if err != nil {
			return err
		}
		if err := w.batch.Index(id, doc); err != nil {
			return fmt.Errorf("failed to index entry %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if w.batch.Size() > 0 {
		if err := w.dir.idx.Batch(w.batch); err != nil {
			return fmt.Errorf("failed to execute batch: %w", err)
		}
	}
	w.batch.Reset()
	w.pending.reset()
	clear(w.deleted)
	return nil
}

// Close implements Writer.
func (w *bleveWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.batch.Reset()
	w.pending.reset()
	return w.lock.Unlock()
}

// bleveDocument copies an entry and attaches its encoded source.
func bleveDocument(entry Entry) (map[string]interface{}, error) {
	source, err := encodeSource(entry)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]interface{}, len(entry)+1)
	for k, v := range entry {
		doc[k] = v
	}
	doc[SourceField] = string(source)
	return doc, nil
}

// bleveSnapshot searches a point-in-time Bleve reader.
type bleveSnapshot struct {
	reader  index.IndexReader
	mapping mapping.IndexMapping
}

// Search implements Snapshot.
func (s *bleveSnapshot) Search(ctx context.Context, req SearchRequest) (*TopDocs, error) {
	bq, ok := req.Query.(*bleveQuery)
	if !ok {
		return nil, fmt.Errorf("query %T was not translated by the bleve backend", req.Query)
	}

	searcher, err := bq.q.Searcher(ctx, s.reader, s.mapping, search.SearcherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to build searcher: %w", err)
	}
	defer func() { _ = searcher.Close() }()

	coll := collector.NewTopNCollector(req.Size, 0, bleveSortOrder(req.Sort))
	if err := coll.Collect(ctx, searcher, s.reader); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := coll.Results()
	top := &TopDocs{Total: coll.Total(), Hits: make([]Hit, 0, len(results))}
	for _, dm := range results {
		top.Hits = append(top.Hits, Hit{ID: dm.ID, Score: dm.Score})
	}
	return top, nil
}

// bleveSortOrder converts sort fields; nil ranks by descending score.
func bleveSortOrder(fields []SortField) search.SortOrder {
	if len(fields) == 0 {
		return search.SortOrder{&search.SortScore{Desc: true}}
	}
	order := make(search.SortOrder, 0, len(fields))
	for _, f := range fields {
		sf := &search.SortField{
			Field:   f.Field,
			Desc:    f.Descending,
			Type:    search.SortFieldAsString,
			Mode:    search.SortFieldDefault,
			Missing: search.SortFieldMissingLast,
		}
		switch f.Type {
		case SortNumber:
			sf.Type = search.SortFieldAsNumber
		case SortDate:
			sf.Type = search.SortFieldAsDate
		}
		order = append(order, sf)
	}
	return order
}

// Document implements Snapshot.
func (s *bleveSnapshot) Document(ctx context.Context, hit Hit) (Entry, error) {
	doc, err := s.reader.Document(hit.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", hit.ID, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("entry %s not found", hit.ID)
	}

	var source []byte
	doc.VisitFields(func(f index.Field) {
		if f.Name() == SourceField {
			source = f.Value()
		}
	})
	return decodeSource(source)
}

// Count implements Snapshot.
func (s *bleveSnapshot) Count() (uint64, error) {
	return s.reader.DocCount()
}

// Close implements Snapshot.
func (s *bleveSnapshot) Close() error {
	return s.reader.Close()
}

// Verify interface implementation
var (
	_ Directory = (*bleveDirectory)(nil)
	_ Writer    = (*bleveWriter)(nil)
	_ Snapshot  = (*bleveSnapshot)(nil)
)
