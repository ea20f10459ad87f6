package models

// RetrievalResult is a scored fragment with enough source metadata for attribution.
type RetrievalResult struct {
	Fragment      *Fragment `json:"fragment"`
	Score         float64   `json:"score"`
	SemanticScore float64   `json:"semantic_score"`
	KeywordScore  float64   `json:"keyword_score"`
	DocumentID    string    `json:"document_id"`
	Filename      string    `json:"filename"`
	FileType      string    `json:"file_type"`
	Rank          int       `json:"rank"`
}

// SearchResponse is the response for a knowledge-base search.
type SearchResponse struct {
	Query     string             `json:"query"`
	Results   []*RetrievalResult `json:"results"`
	Total     int                `json:"total"`
	QueryTime int64              `json:"query_time_ms"`
}

// Statistics describes the current knowledge base.
type Statistics struct {
	TotalFragments int    `json:"total_chunks"`
	TotalDocuments int    `json:"total_documents"`
	Processed      int    `json:"processed_documents"`
	Failed         int    `json:"failed_documents"`
	Dimensions     int    `json:"dimensions"`
	EmbeddingModel string `json:"embedding_method"`
	IndexType      string `json:"index_type"`
	DiskUsageBytes int64  `json:"disk_usage_bytes"`
}
