// Package search retrieves the knowledge-base fragments most relevant to a query.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/hyperjump/shiori/internal/search")

// Retriever returns scored fragments for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, filters *models.Filters) ([]*models.RetrievalResult, error)
}

// Engine runs semantic retrieval with optional keyword re-ranking.
type Engine struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	vectorIndex  vector.VectorIndex
	keywordIndex keyword.KeywordIndex
	config       config.RetrievalConfig
	logger       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeywordIndex enables hybrid scoring when cfg.KeywordWeight > 0.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(e *Engine) { e.keywordIndex = k }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a retrieval engine with the given dependencies.
func NewEngine(
	store storage.Storage,
	embedder embedding.Embedder,
	vectorIndex vector.VectorIndex,
	cfg config.RetrievalConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		storage:     store,
		embedder:    embedder,
		vectorIndex: vectorIndex,
		config:      cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Retrieve returns up to topK fragments ordered by descending score, ties by fragment ID.
// A non-positive topK uses the configured default. No results is not an error.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, filters *models.Filters) ([]*models.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = e.config.DefaultTopK
	}
	if e.config.MaxTopK > 0 && topK > e.config.MaxTopK {
		topK = e.config.MaxTopK
	}
	ctx, span := tracer.Start(ctx, "search.Retrieve", trace.WithAttributes(attribute.Int("search.top_k", topK)))
	defer span.End()

	qv, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	filter := vectorFilter(filters)
	hits, err := e.vectorIndex.Query(ctx, qv, candidateCount(topK, e.config.CandidateFactor), filter)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	hits = allowListed(hits, filters)
	if len(hits) == 0 {
		return []*models.RetrievalResult{}, nil
	}

	results, err := e.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}
	if e.keywordIndex != nil && e.config.KeywordWeight > 0 {
		e.blendKeyword(ctx, query, results)
	}
	SortResults(results)
	results = Dedup(results, e.config.Adjacency, e.config.DedupEpsilon)
	results = Threshold(results, e.config.MinScore)
	if len(results) > topK {
		results = results[:topK]
	}
	for i, r := range results {
		r.Rank = i + 1
	}
	span.SetAttributes(attribute.Int("search.candidates", len(hits)), attribute.Int("search.results", len(results)))
	return results, nil
}

// Search validates a knowledge-base search request and retrieves its results.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.config); err != nil {
		return nil, err
	}
	results, err := e.Retrieve(ctx, query.Query, query.NResults, query.Filters())
	if err != nil {
		return nil, err
	}
	return &models.SearchResponse{
		Query:     query.Query,
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(startTime).Milliseconds(),
	}, nil
}

func vectorFilter(f *models.Filters) *vector.Filter {
	if f == nil {
		return nil
	}
	return &vector.Filter{DocumentIDs: f.DocumentIDs, FileType: f.FileType, Metadata: f.Metadata}
}

// allowListed keeps only hits from the filter's documents.
func allowListed(hits []*vector.Hit, f *models.Filters) []*vector.Hit {
	if f == nil || len(f.DocumentIDs) == 0 {
		return hits
	}
	allowed := make(map[string]struct{}, len(f.DocumentIDs))
	for _, id := range f.DocumentIDs {
		allowed[id] = struct{}{}
	}
	out := hits[:0]
	for _, h := range hits {
		if _, ok := allowed[h.DocumentID]; ok {
			out = append(out, h)
		}
	}
	return out
}

// hydrate loads fragment text and document metadata for hits. Hits whose fragment
// was deleted after the vector query are skipped.
func (e *Engine) hydrate(ctx context.Context, hits []*vector.Hit) ([]*models.RetrievalResult, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	fragments, err := e.storage.GetFragments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}
	docs := make(map[string]*models.Document)
	results := make([]*models.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		frag, ok := fragments[h.ID]
		if !ok {
			continue
		}
		doc, ok := docs[h.DocumentID]
		if !ok {
			doc, err = e.storage.GetDocument(ctx, h.DocumentID)
			if err != nil {
				e.logger.Debug("skipping fragment of missing document", zap.String("fragment_id", h.ID), zap.Error(err))
				docs[h.DocumentID] = nil
				continue
			}
			docs[h.DocumentID] = doc
		}
		if doc == nil {
			continue
		}
		results = append(results, &models.RetrievalResult{
			Fragment:      frag,
			Score:         h.Score,
			SemanticScore: h.Score,
			DocumentID:    doc.ID,
			Filename:      doc.Filename,
			FileType:      doc.FileType,
		})
	}
	return results, nil
}

// blendKeyword re-scores results with BM25 over the same candidates. A keyword
// index failure leaves the semantic scores in place.
func (e *Engine) blendKeyword(ctx context.Context, query string, results []*models.RetrievalResult) {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Fragment.ID
	}
	kw, err := e.keywordIndex.Search(ctx, query, len(ids), &keyword.SearchOptions{IDs: ids})
	if err != nil {
		e.logger.Warn("keyword re-rank failed; using semantic scores", zap.Error(err))
		return
	}
	Blend(results, NormalizeKeywordScores(kw), e.config.KeywordWeight)
}
