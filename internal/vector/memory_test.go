package vector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func entry3(id, doc string, v ...float32) *Entry {
	return &Entry{ID: id, DocumentID: doc, FileType: "txt", Vector: v}
}

func TestMemoryIndex_UpsertQuery(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []*Entry{
		entry3("a", "d1", 1, 0, 0),
		entry3("b", "d1", 0.9, 0.1, 0),
		entry3("c", "d2", 0, 1, 0),
		entry3("d", "d2", -1, 0, 0),
	}))

	hits, err := idx.Query(ctx, []float32{2, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, -1.0, hits[3].Score, 1e-6, "opposite vectors score -1")
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}

	top, err := idx.Query(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []*Entry{entry3("x", "d1", 1, 0)}))
	require.NoError(t, idx.Upsert(ctx, []*Entry{entry3("x", "d2", 0, 1)}))

	stats := idx.Stats()
	assert.Equal(t, 1, stats.Fragments)
	assert.Equal(t, 1, stats.Documents)
	hits, _ := idx.Query(ctx, []float32{0, 1}, 1, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2", hits[0].DocumentID)
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	ctx := context.Background()

	err := idx.Upsert(ctx, []*Entry{entry3("ok", "d", 1, 0, 0), entry3("bad", "d", 1, 0)})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, idx.Stats().Fragments, "rejected batch must not be partially written")

	_, err = idx.Query(ctx, []float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemoryIndex_EmptyQuery(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	hits, err := idx.Query(context.Background(), []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndex_Filters(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []*Entry{
		{ID: "a", DocumentID: "d1", FileType: "pdf", Vector: []float32{1, 0}, Metadata: map[string]string{"lang": "en"}},
		{ID: "b", DocumentID: "d2", FileType: "txt", Vector: []float32{1, 0.1}},
		{ID: "c", DocumentID: "d3", FileType: "pdf", Vector: []float32{1, 0.2}, Metadata: map[string]string{"lang": "ja"}},
	}))

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"allow-list", &Filter{DocumentIDs: []string{"d2", "d3", "d2"}}, []string{"b", "c"}},
		{"file type", &Filter{FileType: "pdf"}, []string{"a", "c"}},
		{"metadata", &Filter{Metadata: map[string]string{"lang": "ja"}}, []string{"c"}},
		{"allow-list and type", &Filter{DocumentIDs: []string{"d1", "d2"}, FileType: "txt"}, []string{"b"}},
		{"unknown document", &Filter{DocumentIDs: []string{"nope"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := idx.Query(ctx, []float32{1, 0}, 10, tt.filter)
			require.NoError(t, err)
			var got []string
			for _, h := range hits {
				got = append(got, h.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryIndex_DeleteDocument(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []*Entry{entry3("x", "d1", 1, 0), entry3("y", "d1", 0, 1), entry3("z", "d2", 1, 1)}))

	require.NoError(t, idx.DeleteDocument(ctx, "d1"))
	require.NoError(t, idx.DeleteDocument(ctx, "d1"), "delete is idempotent")

	hits, _ := idx.Query(ctx, []float32{1, 0}, 10, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "z", hits[0].ID)
	assert.Equal(t, Stats{Fragments: 1, Documents: 1, Dimensions: 2}, idx.Stats())

	require.NoError(t, idx.Clear(ctx))
	assert.Zero(t, idx.Stats().Fragments)
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "vectors.bin")
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []*Entry{
		{ID: "a", DocumentID: "d1", FileType: "md", Vector: []float32{1, 0}, Metadata: map[string]string{"k": "v"}},
		{ID: "b", DocumentID: "d2", Vector: []float32{0, 1}},
	}))
	require.NoError(t, idx.Save(path))

	loaded, _ := NewMemoryIndex(2)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, idx.Stats(), loaded.Stats())
	hits, err := loaded.Query(ctx, []float32{1, 0}, 1, &Filter{FileType: "md", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)

	wrong, _ := NewMemoryIndex(3)
	assert.ErrorIs(t, wrong.Load(path), ErrDimensionMismatch)

	missing, _ := NewMemoryIndex(2)
	assert.NoError(t, missing.Load(filepath.Join(dir, "absent.bin")))
}

func TestMemoryIndex_ConcurrentReadersAndWriters(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				doc := fmt.Sprintf("d%d", w)
				_ = idx.Upsert(ctx, []*Entry{entry3(fmt.Sprintf("%s#%d", doc, i), doc, 1, float32(i))})
				if i%10 == 0 {
					_ = idx.DeleteDocument(ctx, doc)
				}
			}
		}(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hits, err := idx.Query(ctx, []float32{1, 0}, 5, nil)
				if err != nil {
					t.Error(err)
					return
				}
				for j := 1; j < len(hits); j++ {
					if hits[j-1].Score < hits[j].Score {
						t.Error("hits out of order")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestMemoryIndex_DeleteRemovesEverything(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		idx, _ := NewMemoryIndex(3)
		ctx := context.Background()
		docs := rapid.IntRange(1, 4).Draw(t, "docs")
		for d := 0; d < docs; d++ {
			n := rapid.IntRange(1, 6).Draw(t, "fragments")
			var entries []*Entry
			for i := 0; i < n; i++ {
				v := rapid.SliceOfN(rapid.Float32Range(-1, 1), 3, 3).Draw(t, "vector")
				entries = append(entries, &Entry{ID: fmt.Sprintf("d%d#%d", d, i), DocumentID: fmt.Sprintf("d%d", d), Vector: v})
			}
			if err := idx.Upsert(ctx, entries); err != nil {
				t.Fatal(err)
			}
		}
		victim := fmt.Sprintf("d%d", rapid.IntRange(0, docs-1).Draw(t, "victim"))
		if err := idx.DeleteDocument(ctx, victim); err != nil {
			t.Fatal(err)
		}
		q := rapid.SliceOfN(rapid.Float32Range(-1, 1), 3, 3).Draw(t, "query")
		hits, err := idx.Query(ctx, q, 100, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, h := range hits {
			if h.DocumentID == victim {
				t.Fatalf("deleted document %s still returned", victim)
			}
			if h.Score < -1 || h.Score > 1 {
				t.Fatalf("score %f outside [-1, 1]", h.Score)
			}
		}
	})
}
