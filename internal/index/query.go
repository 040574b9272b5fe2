package index

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.uber.org/atomic"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/internal/telemetry"
)

// Query runs q against the index.
//
// The query string is translated immediately; a malformed query returns an
// ERR_403_INVALID_QUERY error and no sequence. The returned sequence is lazy
// and single-pass: the active snapshot is borrowed when iteration starts and
// returned when it completes, stops early, or fails. q.TotalSize is written
// before the first result is produced.
func (x *Index) Query(ctx context.Context, q *IndexQuery) (iter.Seq2[IndexQueryResult, error], error) {
	if q == nil {
		q = &IndexQuery{}
	}

	translated, err := x.translate(q.Query)
	if err != nil {
		x.metrics.ObserveQuery(x.name, telemetry.StatusInvalidQuery, 0)
		return nil, err
	}

	sortFields := make([]store.SortField, 0, len(q.SortedFields))
	for _, sf := range q.SortedFields {
		if sf.Field == "" || !sf.Type.Valid() {
			return nil, derrors.New(derrors.ErrCodeInvalidSort,
				fmt.Sprintf("invalid sort field %q", sf.String()), nil)
		}
		sortFields = append(sortFields, store.SortField{Field: sf.Field, Descending: sf.Descending, Type: sf.Type})
	}

	var consumed atomic.Bool
	return func(yield func(IndexQueryResult, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(IndexQueryResult{}, fmt.Errorf("query results for index %s were already consumed", x.name))
			return
		}

		l, err := x.acquire()
		if err != nil {
			yield(IndexQueryResult{}, err)
			return
		}
		defer l.Release()

		started := time.Now()
		status := telemetry.StatusOK
		defer func() {
			x.metrics.ObserveQuery(x.name, status, time.Since(started))
		}()

		if err := x.execute(ctx, l.Snapshot(), q, translated, sortFields, yield); err != nil {
			status = telemetry.StatusError
			x.logger.Warn("query_failed",
				slog.String("query", q.Query),
				slog.String("error", err.Error()))
			yield(IndexQueryResult{}, err)
		}
	}, nil
}

// QueryAll runs q and collects every result.
func (x *Index) QueryAll(ctx context.Context, q *IndexQuery) ([]IndexQueryResult, error) {
	seq, err := x.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	var results []IndexQueryResult
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// translate parses a query string through the directory, caching results.
func (x *Index) translate(queryStr string) (store.Query, error) {
	key := strings.TrimSpace(queryStr)
	if cached, ok := x.queries.Get(key); ok {
		return cached, nil
	}
	translated, err := x.dir.Translate(key)
	if err != nil {
		return nil, err
	}
	x.queries.Add(key, translated)
	return translated, nil
}

// execute performs the windowed search on a borrowed snapshot.
//
// It asks for start+pageSize hits, records the total, and visits result
// slots [start, min(start+pageSize, total)). When fewer than two fields are
// fetched, a slot whose __document_id was already emitted is skipped.
func (x *Index) execute(
	ctx context.Context,
	snap store.Snapshot,
	q *IndexQuery,
	translated store.Query,
	sortFields []store.SortField,
	yield func(IndexQueryResult, error) bool,
) error {
	start := max(q.Start, 0)
	pageSize := max(q.PageSize, 0)
	windowEnd := saturatingAdd(start, pageSize)

	req := store.SearchRequest{Query: translated, Size: windowEnd}
	if len(sortFields) > 0 {
		req.Sort = sortFields
	}
	top, err := snap.Search(ctx, req)
	if err != nil {
		return derrors.New(derrors.ErrCodeSearchFailed,
			fmt.Sprintf("search on index %s failed", x.name), err)
	}

	total := int(top.Total)
	if q.TotalSize != nil {
		*q.TotalSize = total
	}

	end := min(windowEnd, total, len(top.Hits))
	dedup := len(q.FieldsToFetch) < 2
	var seen map[string]struct{}
	if dedup {
		seen = make(map[string]struct{})
	}

	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		hit := top.Hits[i]
		entry, err := snap.Document(ctx, hit)
		if err != nil {
			return derrors.New(derrors.ErrCodeSearchFailed,
				fmt.Sprintf("failed to load result %d of index %s", i, x.name), err)
		}

		if dedup {
			if id, ok := entry.DocumentID(); ok {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
		}

		res := x.retrieve(entry, q.FieldsToFetch)
		res.Score = hit.Score
		if !yield(res, nil) {
			return nil
		}
	}
	return nil
}

// saturatingAdd adds two non-negative ints, capping at math.MaxInt.
func saturatingAdd(a, b int) int {
	if b > math.MaxInt-a {
		return math.MaxInt
	}
	return a + b
}

func (x *Index) retrieve(entry store.Entry, fields []string) IndexQueryResult {
	if x.retriever != nil {
		return x.retriever.retrieve(entry, fields)
	}
	key, _ := entry.DocumentID()
	return IndexQueryResult{Key: key, Projection: project(entry, fields)}
}
