package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
)

// Document is a stored JSON document, or a deletion when Deleted is set.
type Document struct {
	Key      string      `json:"key"`
	Etag     int64       `json:"etag"`
	Data     store.Entry `json:"data,omitempty"`
	Modified time.Time   `json:"modified"`
	Deleted  bool        `json:"deleted,omitempty"`
}

// Entry returns the document as index input: its data plus __document_id.
func (d Document) Entry() store.Entry {
	e := make(store.Entry, len(d.Data)+1)
	for k, v := range d.Data {
		e[k] = v
	}
	e[store.DocumentIDField] = d.Key
	return e
}

// Put stores data under key and returns its new etag.
func (s *Store) Put(ctx context.Context, key string, data store.Entry) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, derrors.ValidationError("document key is required", nil)
	}
	for k := range data {
		if strings.HasPrefix(k, "__") {
			return 0, derrors.ValidationError(fmt.Sprintf("field %s uses the reserved __ prefix", k), nil).
				WithDetail("key", key)
		}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return 0, derrors.ValidationError("document is not valid JSON", err).WithDetail("key", key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	etag, err := nextEtag(ctx, tx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (key, etag, data, modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET etag = excluded.etag, data = excluded.data, modified = excluded.modified
	`, key, etag, string(body), now); err != nil {
		return 0, fmt.Errorf("failed to store document %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE key = ?`, key); err != nil {
		return 0, fmt.Errorf("failed to clear tombstone of %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return etag, nil
}

// Get returns the document stored under key.
func (s *Store) Get(ctx context.Context, key string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		doc      = Document{Key: key}
		body     string
		modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, data, modified FROM documents WHERE key = ?`, key).Scan(&doc.Etag, &body, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.New(derrors.ErrCodeFileNotFound, fmt.Sprintf("document %s not found", key), nil).
			WithDetail("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(body), &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	doc.Modified = time.UnixMilli(modified)
	return &doc, nil
}

// Delete removes key and records a tombstone so indexes can drop its
// entries. It reports whether the document existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	etag, err := nextEtag(ctx, tx)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (key, etag, modified) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET etag = excluded.etag, modified = excluded.modified
	`, key, etag, time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("failed to record tombstone of %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// DocumentsAfter returns up to take changes with an etag above etag, in
// etag order. Deleted documents appear as tombstones.
func (s *Store) DocumentsAfter(ctx context.Context, etag int64, take int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if take <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, etag, data, modified, 0 FROM documents WHERE etag > ?
		UNION ALL
		SELECT key, etag, NULL, modified, 1 FROM tombstones WHERE etag > ?
		ORDER BY etag
		LIMIT ?
	`, etag, etag, take)
	if err != nil {
		return nil, fmt.Errorf("query documents after %d: %w", etag, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc      Document
			body     sql.NullString
			modified int64
		)
		if err := rows.Scan(&doc.Key, &doc.Etag, &body, &modified, &doc.Deleted); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if body.Valid {
			if err := json.Unmarshal([]byte(body.String), &doc.Data); err != nil {
				return nil, fmt.Errorf("failed to decode document %s: %w", doc.Key, err)
			}
		}
		doc.Modified = time.UnixMilli(modified)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// LastEtag returns the highest etag allocated so far.
func (s *Store) LastEtag(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var etag int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sequences WHERE name = 'etag'`).Scan(&etag)
	if err != nil {
		return 0, fmt.Errorf("read last etag: %w", err)
	}
	return etag, nil
}

// CountDocuments returns the number of live documents.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}
