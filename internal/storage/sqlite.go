// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/shiori/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; transactions never touch s.db while open.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_type TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		hash TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		fragment_count INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(hash);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		fragment_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fragments_document ON fragments(document_id, fragment_index);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		fragments TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE (session_id, seq)
	);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, filename, file_type, size, hash, status, error, fragment_count, content, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var metadataJSON sql.NullString
	var status string
	if err := row.Scan(&doc.ID, &doc.Filename, &doc.FileType, &doc.Size, &doc.Hash, &status, &doc.Error,
		&doc.FragmentCount, &doc.Content, &metadataJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// CreateDocument inserts a document.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.FileType, doc.Size, doc.Hash, string(doc.Status), doc.Error,
		doc.FragmentCount, doc.Content, string(metadataJSON), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// GetDocumentByHash returns the oldest document whose raw content hashes to hash.
func (s *SQLiteStorage) GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE hash = ? ORDER BY created_at LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document with hash %s: %w", hash, ErrNotFound)
	}
	return doc, err
}

// UpdateDocument updates an existing document's mutable fields.
func (s *SQLiteStorage) UpdateDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	doc.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET filename = ?, file_type = ?, size = ?, hash = ?, status = ?, error = ?,
		 fragment_count = ?, content = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		doc.Filename, doc.FileType, doc.Size, doc.Hash, string(doc.Status), doc.Error,
		doc.FragmentCount, doc.Content, string(metadataJSON), doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	return nil
}

// SetDocumentStatus records a status change and the accompanying error text.
// Moving to any status other than processed resets the fragment count.
func (s *SQLiteStorage) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = ?,
		 fragment_count = CASE WHEN ? = 'processed' THEN fragment_count ELSE 0 END,
		 updated_at = ? WHERE id = ?`,
		string(status), errMsg, string(status), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteDocument removes a document by ID; its fragments cascade.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// ListDocuments returns documents newest first with offset and limit.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ResetDocuments deletes every fragment and returns every document to pending.
func (s *SQLiteStorage) ResetDocuments(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments`); err != nil {
		return fmt.Errorf("failed to delete fragments: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = '', fragment_count = 0, updated_at = ?`,
		string(models.StatusPending), time.Now()); err != nil {
		return fmt.Errorf("failed to reset documents: %w", err)
	}
	return tx.Commit()
}

// FailInterrupted marks documents left in an in-progress stage as failed, drops
// any fragments they had stored and returns their IDs.
func (s *SQLiteStorage) FailInterrupted(ctx context.Context, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE status IN (?, ?, ?, ?)`,
		string(models.StatusExtracting), string(models.StatusChunking),
		string(models.StatusEmbedding), string(models.StatusIndexing))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE document_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to delete fragments of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = ?, error = ?, fragment_count = 0, updated_at = ? WHERE id = ?`,
			string(models.StatusFailed), reason, now, id); err != nil {
			return nil, fmt.Errorf("failed to mark %s failed: %w", id, err)
		}
	}
	return ids, tx.Commit()
}

const fragmentColumns = `id, document_id, fragment_index, content, start_offset, end_offset, created_at`

func scanFragment(row rowScanner) (*models.Fragment, error) {
	var f models.Fragment
	if err := row.Scan(&f.ID, &f.DocumentID, &f.Index, &f.Content, &f.Start, &f.End, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFragments returns the fragments with the given IDs keyed by ID. Unknown IDs are omitted.
func (s *SQLiteStorage) GetFragments(ctx context.Context, ids []string) (map[string]*models.Fragment, error) {
	out := make(map[string]*models.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

// GetFragmentsByDocumentID returns all fragments for a document ordered by index.
func (s *SQLiteStorage) GetFragmentsByDocumentID(ctx context.Context, docID string) ([]*models.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE document_id = ? ORDER BY fragment_index`,
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fragments []*models.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// DeleteFragmentsByDocumentID removes all fragments for a document and zeroes its count.
func (s *SQLiteStorage) DeleteFragmentsByDocumentID(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE document_id = ?`, docID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET fragment_count = 0 WHERE id = ?`, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitFragments inserts fragments and marks the document processed in a transaction.
func (s *SQLiteStorage) CommitFragments(ctx context.Context, docID string, fragments []*models.Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fragments (`+fragmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, f := range fragments {
		f.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, f.ID, f.DocumentID, f.Index, f.Content, f.Start, f.End, f.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert fragment %s: %w", f.ID, err)
		}
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = '', fragment_count = ?, updated_at = ? WHERE id = ?`,
		string(models.StatusProcessed), len(fragments), now, docID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	return tx.Commit()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountDocumentsByStatus returns document counts grouped by status.
func (s *SQLiteStorage) CountDocumentsByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.DocumentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.DocumentStatus(status)] = n
	}
	return out, rows.Err()
}

// CountFragments returns the total number of fragments.
func (s *SQLiteStorage) CountFragments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
