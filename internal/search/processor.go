package search

import (
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
)

// ErrEmptyQuery is returned when the query has no text.
var ErrEmptyQuery = models.ErrEmptyQuery

// ProcessQuery validates the query and applies the default and maximum result counts.
func ProcessQuery(query *models.SearchQuery, cfg config.RetrievalConfig) error {
	return query.Validate(cfg.DefaultTopK, cfg.MaxTopK)
}

// candidateCount is how many nearest neighbours are fetched before post-filtering.
func candidateCount(topK, factor int) int {
	return max(topK*factor, topK)
}
