package vector

import (
	"fmt"

	"github.com/hyperjump/shiori/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search with file snapshots.
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates a vector index of the specified type.
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	default:
		return nil, fmt.Errorf("%w: unknown index type %q (supported: memory)", config.ErrConfiguration, indexType)
	}
}

// CheckDimensions verifies that an embedder and an index agree on vector length.
func CheckDimensions(embedderDims int, idx VectorIndex) error {
	if embedderDims != idx.Dimensions() {
		return fmt.Errorf("%w: embedder produces %d-dimensional vectors but the index stores %d",
			config.ErrConfiguration, embedderDims, idx.Dimensions())
	}
	return nil
}
