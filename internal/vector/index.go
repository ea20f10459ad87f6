// Package vector provides vector index and similarity search.
package vector

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// VectorIndex stores fragment embeddings and answers cosine similarity queries.
// Implementations must be safe for concurrent use; every read observes a consistent snapshot.
type VectorIndex interface {
	// Upsert inserts or replaces entries by ID. A batch with any wrong-sized vector is rejected whole.
	Upsert(ctx context.Context, entries []*Entry) error
	// Query returns up to topK hits ordered by descending cosine similarity.
	Query(ctx context.Context, query []float32, topK int, filter *Filter) ([]*Hit, error)
	// DeleteDocument removes every entry of a document. Deleting an unknown document is a no-op.
	DeleteDocument(ctx context.Context, documentID string) error
	Clear(ctx context.Context) error
	Stats() Stats
	Dimensions() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// Entry is a fragment embedding with the metadata used for filtering.
type Entry struct {
	ID         string
	DocumentID string
	FileType   string
	Metadata   map[string]string
	Vector     []float32
}

// Filter restricts a query. Zero-valued fields do not filter.
type Filter struct {
	DocumentIDs []string
	FileType    string
	Metadata    map[string]string
}

// Hit is a single query result. Score is raw cosine similarity in [-1, 1].
type Hit struct {
	ID         string
	DocumentID string
	Score      float64
}

// Stats is a point-in-time summary of the index.
type Stats struct {
	Fragments  int `json:"fragments"`
	Documents  int `json:"documents"`
	Dimensions int `json:"dimensions"`
}

func (f *Filter) matches(e *entry) bool {
	if f == nil {
		return true
	}
	if f.FileType != "" && f.FileType != e.fileType {
		return false
	}
	for k, v := range f.Metadata {
		if e.metadata[k] != v {
			return false
		}
	}
	return true
}
