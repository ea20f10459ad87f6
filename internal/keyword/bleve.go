package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/shiori/internal/models"
)

const (
	fieldContent    = "content"
	fieldDocumentID = "document_id"
	fieldFileType   = "file_type"

	// pageSize bounds how many hits one request pulls while scanning for deletes.
	pageSize = 1000
)

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer: lowercase and tokenize, no stemming, so "bayes" matches "Bayes" exactly.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = false
	docMapping.AddFieldMappingsAt(fieldContent, text)
	kw := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt(fieldDocumentID, kw)
	docMapping.AddFieldMappingsAt(fieldFileType, kw)
	im.AddDocumentMapping("fragment", docMapping)
	im.DefaultType = "fragment"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping, remove the index directory and reprocess documents.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemOnlyIndex returns an in-memory Bleve index.
func NewMemOnlyIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexFragments indexes fragments in a single batch.
func (b *BleveIndex) IndexFragments(ctx context.Context, fileType string, fragments []*models.Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, f := range fragments {
		doc := map[string]interface{}{
			fieldContent:    f.Content,
			fieldDocumentID: f.DocumentID,
			fieldFileType:   fileType,
		}
		if err := batch.Index(f.ID, doc); err != nil {
			return fmt.Errorf("batch index %s: %w", f.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Search runs a match query over fragment content and returns up to limit results.
// With opts.PhraseBoost > 1 and a multi-term query, fragments matching more of the
// query terms rank higher and phrase matches are boosted.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	if limit <= 0 {
		return nil, nil
	}
	fuzziness := opts.Fuzziness
	if fuzziness <= 0 {
		fuzziness = 2
	}
	var textQuery blevequery.Query
	if opts.FuzzyEnabled {
		textQuery = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldContent)
		textQuery = mq
	}
	req := bleve.NewSearchRequest(b.restrict(textQuery, opts))
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	scores := make(map[string]float64, len(results.Hits))
	for _, hit := range results.Hits {
		scores[hit.ID] = hit.Score
	}

	terms := tokenizeQuery(query)
	if opts.PhraseBoost > 1 && len(terms) > 1 {
		coverage := b.termCoverage(ctx, terms, limit, opts, fuzziness)
		phrases := b.phraseMatches(ctx, query, limit, opts)
		for id, score := range scores {
			// (matched/total)^2 penalises fragments that match only some of the terms.
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(len(terms))
			score *= c * c
			if phrases[id] {
				score *= opts.PhraseBoost
			}
			scores[id] = score
		}
	}

	out := make([]*KeywordResult, 0, len(scores))
	for id, score := range scores {
		out = append(out, &KeywordResult{ID: id, DocumentID: documentIDOf(id), Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// restrict narrows q to the candidate IDs and documents in opts.
func (b *BleveIndex) restrict(q blevequery.Query, opts *SearchOptions) blevequery.Query {
	must := []blevequery.Query{q}
	if len(opts.IDs) > 0 {
		must = append(must, bleve.NewDocIDQuery(opts.IDs))
	}
	if len(opts.DocumentIDs) > 0 {
		docs := make([]blevequery.Query, len(opts.DocumentIDs))
		for i, id := range opts.DocumentIDs {
			tq := bleve.NewTermQuery(id)
			tq.SetField(fieldDocumentID)
			docs[i] = tq
		}
		must = append(must, bleve.NewDisjunctionQuery(docs...))
	}
	if len(must) == 1 {
		return q
	}
	return bleve.NewConjunctionQuery(must...)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery ORs a FuzzyQuery per term over the content field.
func buildFuzzyQuery(query string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldContent)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(fieldContent)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// termCoverage counts how many distinct query terms each fragment matches.
func (b *BleveIndex) termCoverage(ctx context.Context, terms []string, size int, opts *SearchOptions, fuzziness int) map[string]int {
	coverage := make(map[string]int)
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		var q blevequery.Query
		if opts.FuzzyEnabled {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField(fieldContent)
			q = fq
		} else {
			mq := bleve.NewMatchQuery(term)
			mq.SetField(fieldContent)
			q = mq
		}
		req := bleve.NewSearchRequest(b.restrict(q, opts))
		req.Size = size
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			continue
		}
		for _, hit := range results.Hits {
			coverage[hit.ID]++
		}
	}
	return coverage
}

// phraseMatches returns fragments that contain the query as a phrase.
func (b *BleveIndex) phraseMatches(ctx context.Context, query string, size int, opts *SearchOptions) map[string]bool {
	matches := make(map[string]bool)
	pq := bleve.NewMatchPhraseQuery(query)
	pq.SetField(fieldContent)
	req := bleve.NewSearchRequest(b.restrict(pq, opts))
	req.Size = size
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return matches
	}
	for _, hit := range results.Hits {
		matches[hit.ID] = true
	}
	return matches
}

// DeleteDocument removes every fragment indexed for documentID.
func (b *BleveIndex) DeleteDocument(ctx context.Context, documentID string) error {
	tq := bleve.NewTermQuery(documentID)
	tq.SetField(fieldDocumentID)
	return b.deleteMatching(ctx, tq)
}

// Clear removes every fragment from the index.
func (b *BleveIndex) Clear(ctx context.Context) error {
	return b.deleteMatching(ctx, bleve.NewMatchAllQuery())
}

func (b *BleveIndex) deleteMatching(ctx context.Context, q blevequery.Query) error {
	for {
		req := bleve.NewSearchRequest(q)
		req.Size = pageSize
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(results.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range results.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("Bleve delete failed: %w", err)
		}
	}
}

// DocCount returns the number of indexed fragments.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// documentIDOf recovers the document ID from a "<doc>#<index>" fragment ID.
func documentIDOf(fragmentID string) string {
	if i := strings.LastIndexByte(fragmentID, '#'); i >= 0 {
		return fragmentID[:i]
	}
	return fragmentID
}
