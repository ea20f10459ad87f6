package search

import (
	"sort"

	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
)

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// Blend sets each result's Score to (1-w)*semantic + w*keyword. Fragments without a
// keyword match get a keyword score of 0.
func Blend(results []*models.RetrievalResult, keywordScores map[string]float64, w float64) {
	for _, r := range results {
		r.KeywordScore = keywordScores[r.Fragment.ID]
		r.Score = (1-w)*r.SemanticScore + w*r.KeywordScore
	}
}

// SortResults orders results by descending score, then fragment ID.
func SortResults(results []*models.RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fragment.ID < results[j].Fragment.ID
	})
}

// Dedup drops near-duplicates from sorted results: a result is dropped when an
// already kept result of the same document has a span overlapping or within
// adjacency runes of it and a score less than epsilon higher.
func Dedup(results []*models.RetrievalResult, adjacency int, epsilon float64) []*models.RetrievalResult {
	kept := make([]*models.RetrievalResult, 0, len(results))
	byDoc := make(map[string][]*models.RetrievalResult)
	for _, r := range results {
		duplicate := false
		for _, k := range byDoc[r.DocumentID] {
			if spanGap(k.Fragment, r.Fragment) <= adjacency && k.Score-r.Score < epsilon {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, r)
		byDoc[r.DocumentID] = append(byDoc[r.DocumentID], r)
	}
	return kept
}

// spanGap is the number of runes between two spans; negative when they overlap.
func spanGap(a, b *models.Fragment) int {
	return max(a.Start, b.Start) - min(a.End, b.End)
}

// Threshold drops results scoring below minScore.
func Threshold(results []*models.RetrievalResult, minScore float64) []*models.RetrievalResult {
	out := results[:0]
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}
