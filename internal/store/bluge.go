package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blugelabs/bluge"
	blugeindex "github.com/blugelabs/bluge/index"
	"github.com/blugelabs/bluge/search"
	queryStr "github.com/blugelabs/query_string"

	derrors "github.com/Aman-CERP/divan/internal/errors"
)

const (
	blugeIDField      = "_id"
	blugeDefaultField = "_all"
)

// blugeDirectory stores an index with Bluge. The Bluge writer is opened once
// and lives as long as the directory; transactions are applied as batches.
type blugeDirectory struct {
	mu      sync.Mutex
	writer  *bluge.Writer
	dir     string
	mapping Mapping
	closed  bool
	logger  *slog.Logger
}

// blugeQuery is a translated Bluge query.
type blugeQuery struct {
	text string
	q    bluge.Query
}

func (q *blugeQuery) String() string { return q.text }

func openBluge(dir string, m Mapping, logger *slog.Logger) (*blugeDirectory, error) {
	var cfg bluge.Config
	if dir == "" {
		cfg = bluge.InMemoryOnlyConfig()
	} else {
		cfg = bluge.DefaultConfig(filepath.Join(dir, "index.bluge"))
	}

	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &blugeDirectory{
		writer:  writer,
		dir:     dir,
		mapping: m,
		logger:  logger,
	}, nil
}

// Backend implements Directory.
func (d *blugeDirectory) Backend() string { return string(BackendBluge) }

// Translate implements Directory.
func (d *blugeDirectory) Translate(q string) (Query, error) {
	if strings.TrimSpace(q) == "" {
		return &blugeQuery{q: bluge.NewMatchAllQuery()}, nil
	}
	parsed, err := queryStr.ParseQueryString(q, queryStr.DefaultOptions())
	if err != nil {
		return nil, derrors.InvalidQueryError(q, err)
	}
	return &blugeQuery{text: q, q: parsed}, nil
}

// OpenWriter implements Directory.
func (d *blugeDirectory) OpenWriter(ctx context.Context) (Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, derrors.New(derrors.ErrCodeIndexClosed, "index is closed", nil)
	}

	lock := NewWriteLock(d.dir)
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	return &blugeWriter{
		dir:     d,
		batch:   bluge.NewBatch(),
		pending: newPendingAdds(),
		deleted: make(map[string]struct{}),
		lock:    lock,
	}, nil
}

// OpenSnapshot implements Directory.
func (d *blugeDirectory) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, derrors.New(derrors.ErrCodeIndexClosed, "index is closed", nil)
	}
	reader, err := d.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open index reader: %w", err)
	}
	return &blugeSnapshot{reader: reader}, nil
}

// Close implements Directory.
func (d *blugeDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.writer.Close()
}

// blugeWriter buffers one write transaction in a Bluge batch.
type blugeWriter struct {
	dir     *blugeDirectory
	batch   *blugeindex.Batch
	pending *pendingAdds
	deleted map[string]struct{}
	lock    *WriteLock
	closed  bool
}

// Add implements Writer.
func (w *blugeWriter) Add(id string, entry Entry) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	w.pending.add(id, entry)
	return nil
}

// DeleteByTerm implements Writer.
func (w *blugeWriter) DeleteByTerm(ctx context.Context, field, value string) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	deleted := w.pending.deleteByTerm(field, value)

	reader, err := w.dir.writer.Reader()
	if err != nil {
		return deleted, fmt.Errorf("failed to open index reader: %w", err)
	}
	defer reader.Close()

	q := bluge.NewTermQuery(value).SetField(field)
	dmi, err := reader.Search(ctx, bluge.NewAllMatches(q))
	if err != nil {
		return deleted, fmt.Errorf("failed to find entries where %s=%s: %w", field, value, err)
	}

	next, err := dmi.Next()
	for err == nil && next != nil {
		id, idErr := blugeMatchID(next)
		if idErr != nil {
			return deleted, idErr
		}
		if _, ok := w.deleted[id]; !ok {
			w.deleted[id] = struct{}{}
			w.batch.Delete(bluge.Identifier(id))
			deleted++
		}
		next, err = dmi.Next()
	}
	if err != nil {
		return deleted, fmt.Errorf("failed to iterate entries where %s=%s: %w", field, value, err)
	}
	return deleted, nil
}

// Commit implements Writer.
func (w *blugeWriter) Commit() error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	err := w.pending.each(func(id string, entry Entry) error {
		doc, err := blugeDocument(id, entry, w.dir.mapping)
		if err != nil {
			return err
		}
		w.batch.Insert(doc)
		return nil
	})
	if err != nil {
		return err
	}

	if err := w.dir.writer.Batch(w.batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	w.batch.Reset()
	w.pending.reset()
	clear(w.deleted)
	return nil
}

// Close implements Writer.
func (w *blugeWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.batch.Reset()
	w.pending.reset()
	return w.lock.Unlock()
}

// blugeDocument builds a Bluge document from an entry. Nested maps are
// flattened into dotted field names; slices index every element.
func blugeDocument(id string, entry Entry, m Mapping) (*bluge.Document, error) {
	source, err := encodeSource(entry)
	if err != nil {
		return nil, err
	}

	doc := bluge.NewDocument(id)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blugeProcessProperty(entry[k], k, m, doc)
	}

	doc.AddField(bluge.NewStoredOnlyField(SourceField, source))
	doc.AddField(bluge.NewCompositeFieldExcluding(blugeDefaultField,
		[]string{blugeIDField, SourceField, DocumentIDField, ReduceKeyField}))
	return doc, nil
}

func blugeProcessProperty(value any, path string, m Mapping, doc *bluge.Document) {
	switch v := value.(type) {
	case nil:
		return
	case map[string]any:
		for k, sub := range v {
			blugeProcessProperty(sub, path+"."+k, m, doc)
		}
	case Entry:
		blugeProcessProperty(map[string]any(v), path, m, doc)
	case []any:
		for _, sub := range v {
			blugeProcessProperty(sub, path, m, doc)
		}
	case []string:
		for _, sub := range v {
			blugeProcessProperty(sub, path, m, doc)
		}
	case string:
		blugeStringField(path, v, m, doc)
	case bool:
		if v {
			doc.AddField(bluge.NewKeywordField(path, "T").Sortable())
		} else {
			doc.AddField(bluge.NewKeywordField(path, "F").Sortable())
		}
	case time.Time:
		doc.AddField(bluge.NewDateTimeField(path, v).Sortable())
	case float64:
		doc.AddField(bluge.NewNumericField(path, v).Sortable())
	case float32:
		doc.AddField(bluge.NewNumericField(path, float64(v)).Sortable())
	case int:
		doc.AddField(bluge.NewNumericField(path, float64(v)).Sortable())
	case int64:
		doc.AddField(bluge.NewNumericField(path, float64(v)).Sortable())
	case int32:
		doc.AddField(bluge.NewNumericField(path, float64(v)).Sortable())
	default:
		blugeStringField(path, fmt.Sprint(v), m, doc)
	}
}

func blugeStringField(path, v string, m Mapping, doc *bluge.Document) {
	switch m.Sort[path] {
	case SortDate:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			doc.AddField(bluge.NewDateTimeField(path, t).Sortable())
			return
		}
	}

	if m.indexing(path) == FieldNotAnalyzed {
		doc.AddField(bluge.NewKeywordField(path, v).Sortable())
		return
	}
	field := bluge.NewTextField(path, v)
	if _, sortable := m.Sort[path]; sortable {
		field.Sortable()
	}
	doc.AddField(field)
}

// blugeSnapshot searches a point-in-time Bluge reader.
type blugeSnapshot struct {
	reader *bluge.Reader
}

// Search implements Snapshot.
func (s *blugeSnapshot) Search(ctx context.Context, req SearchRequest) (*TopDocs, error) {
	bq, ok := req.Query.(*blugeQuery)
	if !ok {
		return nil, fmt.Errorf("query %T was not translated by the bluge backend", req.Query)
	}

	size := req.Size
	if size < 0 {
		size = 0
	}
	sr := bluge.NewTopNSearch(size, bq.q).WithStandardAggregations()
	if order := blugeSortOrder(req.Sort); order != nil {
		sr = sr.SortBy(order)
	}

	dmi, err := s.reader.Search(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	top := &TopDocs{}
	next, err := dmi.Next()
	for err == nil && next != nil {
		id, idErr := blugeMatchID(next)
		if idErr != nil {
			return nil, idErr
		}
		top.Hits = append(top.Hits, Hit{ID: id, Score: next.Score, ref: next})
		next, err = dmi.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	top.Total = dmi.Aggregations().Count()
	return top, nil
}

// blugeSortOrder renders sort fields in Bluge's "-field" notation.
func blugeSortOrder(fields []SortField) []string {
	if len(fields) == 0 {
		return nil
	}
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Descending {
			order = append(order, "-"+f.Field)
		} else {
			order = append(order, f.Field)
		}
	}
	return order
}

// Document implements Snapshot.
func (s *blugeSnapshot) Document(ctx context.Context, hit Hit) (Entry, error) {
	dm, ok := hit.ref.(*search.DocumentMatch)
	if !ok {
		return nil, fmt.Errorf("entry %s was not found by the bluge backend", hit.ID)
	}

	var source []byte
	err := dm.VisitStoredFields(func(field string, value []byte) bool {
		if field == SourceField {
			source = append([]byte(nil), value...)
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", hit.ID, err)
	}
	return decodeSource(source)
}

// Count implements Snapshot.
func (s *blugeSnapshot) Count() (uint64, error) {
	return s.reader.Count()
}

// Close implements Snapshot.
func (s *blugeSnapshot) Close() error {
	return s.reader.Close()
}

// blugeMatchID reads the stored _id of a match.
func blugeMatchID(dm *search.DocumentMatch) (string, error) {
	var id string
	err := dm.VisitStoredFields(func(field string, value []byte) bool {
		if field == blugeIDField {
			id = string(value)
			return false
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("failed to load entry id: %w", err)
	}
	return id, nil
}

// Verify interface implementation
var (
	_ Directory = (*blugeDirectory)(nil)
	_ Writer    = (*blugeWriter)(nil)
	_ Snapshot  = (*blugeSnapshot)(nil)
)
