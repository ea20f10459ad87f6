package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/shiori/internal/config"
)

func TestNewVectorIndex(t *testing.T) {
	for _, typ := range []string{"memory", ""} {
		idx, err := NewVectorIndex(typ, 3)
		if err != nil {
			t.Fatalf("NewVectorIndex(%q): %v", typ, err)
		}
		err = idx.Upsert(context.Background(), []*Entry{{ID: "a", DocumentID: "d", Vector: []float32{1, 0, 0}}})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if idx.Stats().Fragments != 1 {
			t.Errorf("Fragments=%d, want 1", idx.Stats().Fragments)
		}
		_ = idx.Close()
	}
}

func TestNewVectorIndex_Unknown(t *testing.T) {
	_, err := NewVectorIndex("annoy", 3)
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
}

func TestCheckDimensions(t *testing.T) {
	idx, _ := NewMemoryIndex(4)
	if err := CheckDimensions(4, idx); err != nil {
		t.Errorf("matching dimensions: %v", err)
	}
	if err := CheckDimensions(8, idx); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("mismatch error = %v, want ErrConfiguration", err)
	}
}
