package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/store"
)

// Actions is the storage surface handed to an index for one indexing
// batch. Counters stay in memory until Commit. Map outputs are written in a
// transaction that Commit finishes together with the counters and the
// indexed etag, so a batch that fails half way leaves no trace once it is
// rolled back.
//
// The store has a single connection: while a batch holds its transaction,
// other callers of the store wait until Commit or Rollback.
type Actions struct {
	store *Store
	index string

	attempts atomic.Int64
	failures atomic.Int64

	mu sync.Mutex
	tx *sql.Tx
}

var _ index.Actions = (*Actions)(nil)

// BeginIndexing starts an indexing batch for the named index. The batch
// must end with Commit or Rollback.
func (s *Store) BeginIndexing(indexName string) *Actions {
	return &Actions{store: s, index: indexName}
}

func (a *Actions) IncrementIndexingAttempt() { a.attempts.Inc() }
func (a *Actions) DecrementIndexingAttempt() { a.attempts.Dec() }
func (a *Actions) IncrementIndexingFailure() { a.failures.Inc() }

// Attempts returns the attempts counted so far.
func (a *Actions) Attempts() int64 { return a.attempts.Load() }

// Failures returns the failures counted so far.
func (a *Actions) Failures() int64 { return a.failures.Load() }

// withTx runs fn on the batch transaction, starting it on first use.
func (a *Actions) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s := a.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		a.tx = tx
	}
	return fn(a.tx)
}

// Commit adds the batch counters to the index's stats, advances its last
// indexed etag and makes the batch's map outputs durable, all at once.
func (a *Actions) Commit(ctx context.Context, lastEtag int64) error {
	attempts, failures := a.attempts.Load(), a.failures.Load()
	successes := max(attempts-failures, 0)

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO indexing_stats (index_name, attempts, successes, failures, last_indexed_etag, last_indexed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(index_name) DO UPDATE SET
				attempts = attempts + excluded.attempts,
				successes = successes + excluded.successes,
				failures = failures + excluded.failures,
				last_indexed_etag = MAX(last_indexed_etag, excluded.last_indexed_etag),
				last_indexed_at = excluded.last_indexed_at
		`, a.index, attempts, successes, failures, lastEtag, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("update stats of %s: %w", a.index, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		a.tx = nil
		return nil
	})
	if err != nil {
		_ = a.Rollback()
		return err
	}

	a.attempts.Store(0)
	a.failures.Store(0)
	return nil
}

// Rollback discards the batch: its map outputs and its counters. Safe to
// call after Commit or more than once.
func (a *Actions) Rollback() error {
	a.mu.Lock()
	tx := a.tx
	a.tx = nil
	a.mu.Unlock()

	a.attempts.Store(0)
	a.failures.Store(0)
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// PutMappedResult implements index.Actions.
func (a *Actions) PutMappedResult(ctx context.Context, view, documentKey, reduceKey string, data store.Entry) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode mapped result of %s: %w", documentKey, err)
	}

	return a.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mapped_results (view, document_key, reduce_key, data) VALUES (?, ?, ?, ?)
		`, view, documentKey, reduceKey, string(body))
		if err != nil {
			return fmt.Errorf("store mapped result of %s: %w", documentKey, err)
		}
		return nil
	})
}

// DeleteMappedResultsForDocument implements index.Actions.
func (a *Actions) DeleteMappedResultsForDocument(ctx context.Context, view, documentKey string) ([]string, error) {
	var keys []string
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM mapped_results WHERE view = ? AND document_key = ? RETURNING reduce_key
		`, view, documentKey)
		if err != nil {
			return fmt.Errorf("delete mapped results of %s: %w", documentKey, err)
		}
		defer rows.Close()

		seen := make(map[string]struct{})
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// GetMappedResults implements index.Actions.
func (a *Actions) GetMappedResults(ctx context.Context, view string, reduceKeys []string) (map[string][]store.Entry, error) {
	out := make(map[string][]store.Entry, len(reduceKeys))
	if len(reduceKeys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(reduceKeys)+1)
	args = append(args, view)
	for _, k := range reduceKeys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reduceKeys)), ",")

	err := a.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT reduce_key, data FROM mapped_results
			WHERE view = ? AND reduce_key IN (`+placeholders+`)
			ORDER BY id
		`, args...)
		if err != nil {
			return fmt.Errorf("query mapped results of %s: %w", view, err)
		}
		defer rows.Close()

		for rows.Next() {
			var key, body string
			if err := rows.Scan(&key, &body); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			var e store.Entry
			if err := json.Unmarshal([]byte(body), &e); err != nil {
				return fmt.Errorf("decode mapped result of %s: %w", key, err)
			}
			out[key] = append(out[key], e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
