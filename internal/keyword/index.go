// Package keyword provides the BM25 fragment index used for hybrid re-ranking.
package keyword

import (
	"context"

	"github.com/hyperjump/shiori/internal/models"
)

// SearchOptions are optional parameters for keyword search. Nil means defaults.
type SearchOptions struct {
	// IDs restricts the search to these fragment IDs. Empty means all fragments.
	IDs []string
	// DocumentIDs restricts the search to fragments of these documents.
	DocumentIDs []string
	// PhraseBoost multiplies the score of fragments containing the query as a phrase.
	// Values <= 1 disable the phrase pass.
	PhraseBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits (1 or 2, default 2).
	FuzzyEnabled bool
	Fuzziness    int
}

// KeywordIndex indexes fragment text for keyword search.
type KeywordIndex interface {
	// IndexFragments adds or replaces fragments, keyed by fragment ID.
	IndexFragments(ctx context.Context, fileType string, fragments []*models.Fragment) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	// DeleteDocument removes every fragment of a document. Unknown documents are a no-op.
	DeleteDocument(ctx context.Context, documentID string) error
	// Clear removes every fragment.
	Clear(ctx context.Context) error
	// DocCount returns the number of indexed fragments.
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit. Score is raw BM25.
type KeywordResult struct {
	ID         string
	DocumentID string
	Score      float64
}
