package models

import (
	"errors"
	"strings"
)

// ErrEmptyQuery is returned for a query without any non-space text.
var ErrEmptyQuery = errors.New("query cannot be empty")

// Filters narrow retrieval to a subset of the knowledge base.
// An empty DocumentIDs means all documents.
type Filters struct {
	DocumentIDs []string          `json:"document_ids,omitempty"`
	FileType    string            `json:"file_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SearchQuery is a knowledge-base search request.
type SearchQuery struct {
	Query       string   `json:"query"`
	NResults    int      `json:"n_results,omitempty"`
	FileType    string   `json:"file_type,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Validate ensures the query has text and clamps NResults into [1, max].
func (q *SearchQuery) Validate(defaultN, max int) error {
	if strings.TrimSpace(q.Query) == "" {
		return ErrEmptyQuery
	}
	if q.NResults <= 0 {
		q.NResults = defaultN
	}
	if max > 0 && q.NResults > max {
		q.NResults = max
	}
	return nil
}

// Filters converts the request into retrieval filters; nil when unrestricted.
func (q *SearchQuery) Filters() *Filters {
	if q.FileType == "" && len(q.DocumentIDs) == 0 {
		return nil
	}
	return &Filters{DocumentIDs: q.DocumentIDs, FileType: strings.ToLower(q.FileType)}
}
