package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/extract"
	"github.com/hyperjump/shiori/internal/fileid"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
)

const dims = 64

type fixture struct {
	svc      *Service
	store    storage.Storage
	blobs    *storage.BlobStore
	vectors  *vector.MemoryIndex
	pipeline *indexer.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "kb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := storage.NewBlobStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	vectors, err := vector.NewMemoryIndex(dims)
	require.NoError(t, err)
	keywords, err := keyword.NewMemOnlyIndex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = keywords.Close() })
	chunker, err := indexer.NewChunker(config.ChunkingConfig{Unit: config.UnitWords, Size: 20, Overlap: 5})
	require.NoError(t, err)
	emb := embedding.NewHashingEmbedder(dims)

	pipeline := indexer.NewPipeline(store, extract.NewExtractor(), emb, vectors, chunker,
		indexer.WithKeywordIndex(keywords), indexer.WithLogger(logger))
	t.Cleanup(pipeline.Close)
	retrieval := config.RetrievalConfig{DefaultTopK: 5, MaxTopK: 20, CandidateFactor: 4, MinScore: -1, DedupEpsilon: 0.02}
	engine := search.NewEngine(store, emb, vectors, retrieval, search.WithKeywordIndex(keywords), search.WithLogger(logger))

	upload := config.UploadConfig{MaxSize: 1 << 10, AllowedExtensions: []string{"txt", "md"}}
	svc := NewService(store, blobs, pipeline, engine, vectors, emb, upload,
		WithLogger(logger), WithDiskPaths(dir))
	return &fixture{svc: svc, store: store, blobs: blobs, vectors: vectors, pipeline: pipeline}
}

func (f *fixture) upload(t *testing.T, name, content string) *models.Document {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), name, []byte(content))
	require.NoError(t, err)
	f.pipeline.Wait()
	doc, err := f.svc.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	return doc
}

const gardenText = "Tomatoes need full sun and regular watering. Mulch keeps the soil moist during the hot summer months."

func TestUpload_ProcessesInBackground(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Upload(context.Background(), "notes/garden.txt", []byte(gardenText))
	require.NoError(t, err)
	assert.Equal(t, "garden.txt", res.Filename)
	assert.Equal(t, models.StatusPending, res.Status)

	f.pipeline.Wait()
	doc, err := f.svc.Get(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, "txt", doc.FileType)
	assert.Equal(t, int64(len(gardenText)), doc.Size)
	assert.Greater(t, doc.FragmentCount, 0)

	stored, err := f.blobs.Get(res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, gardenText, string(stored))
}

func TestUpload_Validation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     error
	}{
		{"disallowed type", "tool.exe", []byte("MZ"), extract.ErrUnsupportedType},
		{"allowed by extractor but not config", "sheet.xlsx", []byte("x"), extract.ErrUnsupportedType},
		{"too large", "big.txt", []byte(strings.Repeat("a", 2<<10)), ErrTooLarge},
		{"empty", "empty.txt", nil, ErrEmptyFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Upload(context.Background(), tt.filename, tt.data)
			assert.ErrorIs(t, err, tt.want)
			docs, err := f.svc.List(context.Background(), 0, 10)
			require.NoError(t, err)
			assert.Empty(t, docs, "rejected uploads store nothing")
		})
	}
}

func TestUpload_Duplicate(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, "a.txt", gardenText)

	_, err := f.svc.Upload(context.Background(), "copy.md", []byte(gardenText))
	require.ErrorIs(t, err, ErrDuplicate)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, "a.txt", gardenText)

	require.NoError(t, f.svc.Delete(ctx, doc.ID))
	_, err := f.svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.blobs.Get(doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.vectors.Stats().Fragments)
	fragments, err := f.store.GetFragmentsByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, fragments)

	assert.ErrorIs(t, f.svc.Delete(ctx, doc.ID), storage.ErrNotFound)
}

func TestClearAndReprocess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, "a.txt", gardenText)
	fragments := doc.FragmentCount

	require.NoError(t, f.svc.Clear(ctx))
	cleared, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, cleared.Status)
	assert.Zero(t, cleared.FragmentCount)
	assert.Zero(t, f.vectors.Stats().Fragments)

	snapshot, err := f.svc.Reprocess(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, snapshot.ID)
	f.pipeline.Wait()
	again, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, again.Status)
	assert.Equal(t, fragments, again.FragmentCount)

	_, err = f.svc.Reprocess(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStats_InvalidatedByDocumentChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalDocuments)
	assert.Equal(t, dims, empty.Dimensions)
	assert.Equal(t, "memory", empty.IndexType)
	assert.NotEmpty(t, empty.EmbeddingModel)

	doc := f.upload(t, "a.txt", gardenText)
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, doc.FragmentCount, stats.TotalFragments)
	assert.Greater(t, stats.DiskUsageBytes, int64(0))

	require.NoError(t, f.svc.Delete(ctx, doc.ID))
	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDocuments)
	assert.Zero(t, stats.TotalFragments)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "garden.txt", gardenText)
	f.upload(t, "cars.txt", "Electric cars charge overnight from a wall box in the garage.")

	resp, err := f.svc.Search(context.Background(), &models.SearchQuery{Query: "watering tomatoes in the sun", NResults: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "garden.txt", resp.Results[0].Filename)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestIngestPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "inbox", "garden.txt")
	writeFile(t, path, gardenText)

	doc, err := f.svc.IngestPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, fileid.ForPath(path), doc.ID)
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, path, doc.Metadata[MetaSourcePath])

	_, unchanged, err := f.svc.ingestPath(ctx, path)
	require.NoError(t, err)
	assert.True(t, unchanged, "same content is not reprocessed")

	writeFile(t, path, "Completely new words about bicycles and their gears.")
	_, unchanged, err = f.svc.ingestPath(ctx, path)
	require.NoError(t, err)
	assert.False(t, unchanged)
	updated, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.Content, "bicycles")

	require.NoError(t, f.svc.RemovePath(ctx, path))
	_, err = f.svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, f.svc.RemovePath(ctx, path), "removing an unknown path is a no-op")
}

func TestIngestDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "Alpha document about rivers.")
	writeFile(t, filepath.Join(root, "b.md"), "# Beta\n\nNotes on mountains.")
	writeFile(t, filepath.Join(root, "sub", "c.TXT"), "Gamma notes on forests.")
	writeFile(t, filepath.Join(root, ".hidden", "d.txt"), "Hidden directories are skipped.")
	writeFile(t, filepath.Join(root, "e.bin"), "filtered by extension")
	writeFile(t, filepath.Join(root, "empty.txt"), "")

	summary, err := f.svc.IngestDirectory(ctx, root, []string{".txt", "md"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Zero(t, summary.Unchanged)
	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Failed, filepath.Join(root, "empty.txt"))

	summary, err = f.svc.IngestDirectory(ctx, root, []string{".txt", "md"}, 2)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, 3, summary.Unchanged)

	docs, err := f.svc.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestIngestDirectory_Cancelled(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "Alpha")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.IngestDirectory(ctx, root, nil, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path string
		exts []string
		want bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{"txt"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/noext", []string{".txt"}, false},
		{"/a/anything.bin", nil, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchExtension(tt.path, tt.exts), "MatchExtension(%q, %v)", tt.path, tt.exts)
	}
}
