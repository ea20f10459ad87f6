// Package storage defines the persistence interface for documents, fragments and chat sessions.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/shiori/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines document, fragment and session persistence operations.
type Storage interface {
	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, errMsg string) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	ResetDocuments(ctx context.Context) error

	// FailInterrupted marks every document caught mid-ingestion (extracting through
	// indexing) as failed with reason and returns their IDs.
	FailInterrupted(ctx context.Context, reason string) ([]string, error)

	// Fragment operations
	GetFragments(ctx context.Context, ids []string) (map[string]*models.Fragment, error)
	GetFragmentsByDocumentID(ctx context.Context, docID string) ([]*models.Fragment, error)
	DeleteFragmentsByDocumentID(ctx context.Context, docID string) error

	// CommitFragments stores fragments and marks the document processed in one transaction.
	CommitFragments(ctx context.Context, docID string, fragments []*models.Fragment) error

	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, offset, limit int) ([]*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GetMessages(ctx context.Context, sessionID string, lastN int) ([]*models.Message, error)

	// AppendMessages appends msgs to a session atomically, assigning sequence numbers.
	AppendMessages(ctx context.Context, sessionID string, msgs ...*models.Message) error
	// CreateSessionWithMessages inserts a session together with its first messages.
	// Either the session and all of msgs are stored or nothing is.
	CreateSessionWithMessages(ctx context.Context, session *models.Session, msgs ...*models.Message) error

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountDocumentsByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error)
	CountFragments(ctx context.Context) (int64, error)

	Close() error
}
