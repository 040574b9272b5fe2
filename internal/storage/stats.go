package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IndexingStats are the persisted counters of one index.
type IndexingStats struct {
	Index           string    `json:"index"`
	Attempts        int64     `json:"attempts"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	LastIndexedEtag int64     `json:"last_indexed_etag"`
	LastIndexedAt   time.Time `json:"last_indexed_at,omitzero"`
}

// Stats returns the counters of index. An index never indexed has zero
// counters.
func (s *Store) Stats(ctx context.Context, index string) (IndexingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return IndexingStats{}, err
	}

	st := IndexingStats{Index: index}
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, successes, failures, last_indexed_etag, last_indexed_at
		FROM indexing_stats WHERE index_name = ?
	`, index).Scan(&st.Attempts, &st.Successes, &st.Failures, &st.LastIndexedEtag, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return IndexingStats{}, fmt.Errorf("query stats of %s: %w", index, err)
	}
	if at > 0 {
		st.LastIndexedAt = time.UnixMilli(at)
	}
	return st, nil
}

// AllStats returns the counters of every index that has been indexed,
// ordered by name.
func (s *Store) AllStats(ctx context.Context) ([]IndexingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT index_name, attempts, successes, failures, last_indexed_etag, last_indexed_at
		FROM indexing_stats ORDER BY index_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var all []IndexingStats
	for rows.Next() {
		var (
			st IndexingStats
			at int64
		)
		if err := rows.Scan(&st.Index, &st.Attempts, &st.Successes, &st.Failures, &st.LastIndexedEtag, &at); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if at > 0 {
			st.LastIndexedAt = time.UnixMilli(at)
		}
		all = append(all, st)
	}
	return all, rows.Err()
}

// ResetIndex forgets the counters, position, errors and map outputs of index so
// the next run indexes every document again.
func (s *Store) ResetIndex(ctx context.Context, index string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM indexing_stats WHERE index_name = ?`, index); err != nil {
		return fmt.Errorf("reset stats of %s: %w", index, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mapped_results WHERE view = ?`, index); err != nil {
		return fmt.Errorf("reset mapped results of %s: %w", index, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM indexing_errors WHERE index_name = ?`, index); err != nil {
		return fmt.Errorf("reset errors of %s: %w", index, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
