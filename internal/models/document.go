// Package models defines core data structures for documents, fragments, retrieval results and chat sessions.
package models

import (
	"fmt"
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusExtracting DocumentStatus = "extracting"
	StatusChunking   DocumentStatus = "chunking"
	StatusEmbedding  DocumentStatus = "embedding"
	StatusIndexing   DocumentStatus = "indexing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

// next lists the single forward transition of each in-flight state.
var next = map[DocumentStatus]DocumentStatus{
	StatusPending:    StatusExtracting,
	StatusExtracting: StatusChunking,
	StatusChunking:   StatusEmbedding,
	StatusEmbedding:  StatusIndexing,
	StatusIndexing:   StatusProcessed,
}

// Terminal reports whether no further ingestion transitions are possible.
func (s DocumentStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanTransition reports whether moving from s to to is a legal ingestion step.
// Any non-terminal state may fail; otherwise only the next stage is allowed.
func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return next[s] == to
}

// Valid reports whether s is a known status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExtracting, StatusChunking, StatusEmbedding, StatusIndexing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Document is an uploaded source file and its extracted text.
type Document struct {
	ID            string                 `json:"id"`
	Filename      string                 `json:"filename"`
	FileType      string                 `json:"file_type"`
	Size          int64                  `json:"size"`
	Hash          string                 `json:"hash"`
	Status        DocumentStatus         `json:"status"`
	Error         string                 `json:"error,omitempty"`
	FragmentCount int                    `json:"fragment_count"`
	Content       string                 `json:"-"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Fragment is a contiguous span of a document's extracted text.
// Start and End are half-open rune offsets into Document.Content.
type Fragment struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// FragmentID returns the stable identifier of the index-th fragment of a document.
func FragmentID(documentID string, index int) string {
	return fmt.Sprintf("%s#%d", documentID, index)
}
