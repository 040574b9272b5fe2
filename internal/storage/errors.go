package storage

import (
	"context"
	"fmt"
	"time"
)

// MaxStoredErrors is the number of indexing errors kept in the database.
const MaxStoredErrors = 50

// ErrorRecord is a persisted indexing error.
type ErrorRecord struct {
	Index      string    `json:"index"`
	DocumentID string    `json:"document_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecordErrors appends records and drops all but the newest MaxStoredErrors.
func (s *Store) RecordErrors(ctx context.Context, records []ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

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

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indexing_errors (index_name, document_id, message, occurred_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Index, r.DocumentID, r.Message, r.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert indexing error: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM indexing_errors
		WHERE id NOT IN (SELECT id FROM indexing_errors ORDER BY id DESC LIMIT ?)
	`, MaxStoredErrors); err != nil {
		return fmt.Errorf("prune indexing errors: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecentErrors returns up to limit stored errors, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxStoredErrors
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT index_name, document_id, message, occurred_at
		FROM indexing_errors ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query indexing errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var (
			r  ErrorRecord
			at int64
		)
		if err := rows.Scan(&r.Index, &r.DocumentID, &r.Message, &at); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Timestamp = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
