package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/extract"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testDims = 16

type fixture struct {
	store    storage.Storage
	vectors  *vector.MemoryIndex
	keywords *keyword.BleveIndex
	pipeline *Pipeline

	mu     sync.Mutex
	events []Event
}

func (f *fixture) DocumentChanged(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fixture) transitions(docID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.DocumentID == docID && !e.Deleted {
			out = append(out, fmt.Sprintf("%s->%s", e.From, e.To))
		}
	}
	return out
}

func newFixture(t *testing.T, embedder embedding.Embedder, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	vecIndex, err := vector.NewMemoryIndex(testDims)
	require.NoError(t, err)
	kwIndex, err := keyword.NewMemOnlyIndex()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kwIndex.Close() })
	chunker, err := NewChunker(config.ChunkingConfig{Unit: config.UnitWords, Size: 5, Overlap: 1})
	require.NoError(t, err)
	if embedder == nil {
		embedder = embedding.NewHashingEmbedder(testDims)
	}

	f := &fixture{store: store, vectors: vecIndex, keywords: kwIndex}
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithKeywordIndex(kwIndex),
		WithObserver(f),
		WithBatchSize(3),
	}, opts...)
	f.pipeline = NewPipeline(store, extract.NewExtractor(), embedder, vecIndex, chunker, opts...)
	t.Cleanup(f.pipeline.Close)
	return f
}

func (f *fixture) newDoc(t *testing.T, id, fileType string) *models.Document {
	t.Helper()
	doc := &models.Document{ID: id, Filename: id + "." + fileType, FileType: fileType, Hash: "h-" + id}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	return doc
}

func (f *fixture) assertNoDerivedData(t *testing.T, docID string) {
	t.Helper()
	ctx := context.Background()
	frags, err := f.store.GetFragmentsByDocumentID(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, frags, "stored fragments")
	hits, err := f.vectors.Query(ctx, make([]float32, testDims), 100, &vector.Filter{DocumentIDs: []string{docID}})
	require.NoError(t, err)
	assert.Empty(t, hits, "vector entries")
	kw, err := f.keywords.Search(ctx, "fragment", 100, &keyword.SearchOptions{DocumentIDs: []string{docID}})
	require.NoError(t, err)
	assert.Empty(t, kw, "keyword entries")
}

const sampleText = "The first fragment talks about solar panels. The second fragment covers wind turbines and grid storage."

func TestPipeline_IngestProcessesDocument(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")

	require.NoError(t, f.pipeline.Ingest(ctx, doc, []byte(sampleText)))

	stored, err := f.store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, stored.Status)
	assert.Equal(t, sampleText, stored.Content)
	assert.EqualValues(t, 103, stored.Metadata[MetaCharCount])
	assert.EqualValues(t, 16, stored.Metadata[MetaWordCount])
	assert.NotEmpty(t, stored.Metadata[MetaProcessedAt])

	frags, err := f.store.GetFragmentsByDocumentID(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, frags, 4)
	assert.Equal(t, len(frags), stored.FragmentCount)
	assert.Equal(t, vector.Stats{Fragments: 4, Documents: 1, Dimensions: testDims}, f.vectors.Stats())
	n, err := f.keywords.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	assert.Equal(t, []string{
		"pending->extracting",
		"extracting->chunking",
		"chunking->embedding",
		"embedding->indexing",
		"indexing->processed",
	}, f.transitions("doc1"))
}

func TestPipeline_ReingestReplacesFragments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")
	require.NoError(t, f.pipeline.Ingest(ctx, doc, []byte(sampleText)))

	require.NoError(t, f.pipeline.Ingest(ctx, doc, []byte("only two words")))

	frags, err := f.store.GetFragmentsByDocumentID(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "only two words", frags[0].Content)
	assert.Equal(t, 1, f.vectors.Stats().Fragments)
	kw, err := f.keywords.Search(ctx, "solar", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, kw)
	assert.Contains(t, f.transitions("doc1"), "processed->pending")
}

func TestPipeline_ExtractionFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "xyz")

	err := f.pipeline.Ingest(ctx, doc, []byte("whatever"))
	require.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.ErrorIs(t, err, extract.ErrUnsupportedType)

	stored, err := f.store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "unsupported file type")
	assert.Equal(t, []string{"pending->extracting", "extracting->failed"}, f.transitions("doc1"))
}

func TestPipeline_BlankDocumentFails(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.newDoc(t, "doc1", "txt")
	err := f.pipeline.Ingest(context.Background(), doc, []byte(" \n\n\t"))
	assert.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.Equal(t, models.StatusFailed, doc.Status)
}

type failingEmbedder struct {
	*embedding.HashingEmbedder
	err error
}

func (e failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, e.err
}

func TestPipeline_EmbeddingFailureRollsBack(t *testing.T) {
	unavailable := fmt.Errorf("%w: provider down", embedding.ErrEmbeddingUnavailable)
	f := newFixture(t, failingEmbedder{embedding.NewHashingEmbedder(testDims), unavailable})
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")

	err := f.pipeline.Ingest(ctx, doc, []byte(sampleText))
	require.ErrorIs(t, err, embedding.ErrEmbeddingUnavailable)

	stored, err := f.store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Zero(t, stored.FragmentCount)
	f.assertNoDerivedData(t, "doc1")
}

func TestPipeline_DimensionMismatchIsIndexWriteFailure(t *testing.T) {
	f := newFixture(t, embedding.NewHashingEmbedder(testDims/2))
	doc := f.newDoc(t, "doc1", "txt")

	err := f.pipeline.Ingest(context.Background(), doc, []byte(sampleText))
	require.ErrorIs(t, err, ErrIndexWriteFailed)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	assert.Zero(t, f.vectors.Stats().Fragments)
}

type failingKeywords struct {
	*keyword.BleveIndex
}

func (failingKeywords) IndexFragments(context.Context, string, []*models.Fragment) error {
	return errors.New("disk full")
}

func TestPipeline_KeywordFailureRollsBackVectors(t *testing.T) {
	f := newFixture(t, nil)
	f.pipeline.keywordIndex = failingKeywords{f.keywords}
	doc := f.newDoc(t, "doc1", "txt")

	err := f.pipeline.Ingest(context.Background(), doc, []byte(sampleText))
	require.ErrorIs(t, err, ErrIndexWriteFailed)
	assert.Zero(t, f.vectors.Stats().Fragments)
	f.assertNoDerivedData(t, "doc1")
}

// cancellingEmbedder cancels the ingestion context from inside the embedding stage.
type cancellingEmbedder struct {
	*embedding.HashingEmbedder
	cancel context.CancelFunc
}

func (e cancellingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.cancel()
	return nil, ctx.Err()
}

func TestPipeline_CancellationRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, cancellingEmbedder{embedding.NewHashingEmbedder(testDims), cancel})
	doc := f.newDoc(t, "doc1", "txt")

	err := f.pipeline.Ingest(ctx, doc, []byte(sampleText))
	require.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	f.assertNoDerivedData(t, "doc1")
}

func TestPipeline_DeleteRemovesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	keep := f.newDoc(t, "keep", "txt")
	drop := f.newDoc(t, "drop", "txt")
	require.NoError(t, f.pipeline.Ingest(ctx, keep, []byte(sampleText)))
	require.NoError(t, f.pipeline.Ingest(ctx, drop, []byte(sampleText)))

	require.NoError(t, f.pipeline.Delete(ctx, "drop"))

	_, err := f.store.GetDocument(ctx, "drop")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	f.assertNoDerivedData(t, "drop")
	assert.Equal(t, vector.Stats{Fragments: 4, Documents: 1, Dimensions: testDims}, f.vectors.Stats())
	count, err := f.store.CountFragments(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestPipeline_Clear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")
	require.NoError(t, f.pipeline.Ingest(ctx, doc, []byte(sampleText)))

	require.NoError(t, f.pipeline.Clear(ctx))

	stored, err := f.store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Zero(t, stored.FragmentCount)
	assert.Zero(t, f.vectors.Stats().Fragments)
	n, err := f.keywords.DocCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// gatedEmbedder records the peak number of concurrent EmbedBatch calls.
type gatedEmbedder struct {
	*embedding.HashingEmbedder
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return e.HashingEmbedder.EmbedBatch(ctx, texts)
}

func TestPipeline_SubmitBoundedByWorkers(t *testing.T) {
	emb := &gatedEmbedder{HashingEmbedder: embedding.NewHashingEmbedder(testDims)}
	f := newFixture(t, emb, WithWorkers(2))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.pipeline.Submit(f.newDoc(t, fmt.Sprintf("doc%d", i), "txt"), []byte(sampleText))
	}
	f.pipeline.Wait()

	counts, err := f.store.CountDocumentsByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, counts[models.StatusProcessed])
	assert.LessOrEqual(t, emb.peak.Load(), int32(2))
	assert.Equal(t, 6, f.vectors.Stats().Documents)
}

func TestPipeline_IngestAndDeleteSameDocumentSerialised(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.pipeline.Ingest(ctx, doc, []byte(sampleText))
	}()
	go func() {
		defer wg.Done()
		_ = f.pipeline.Delete(ctx, "doc1")
	}()
	wg.Wait()

	// Either order leaves a consistent state: processed with all fragments, or gone entirely.
	stored, err := f.store.GetDocument(ctx, "doc1")
	if errors.Is(err, storage.ErrNotFound) {
		f.assertNoDerivedData(t, "doc1")
		return
	}
	require.NoError(t, err)
	frags, err := f.store.GetFragmentsByDocumentID(ctx, "doc1")
	require.NoError(t, err)
	assert.Len(t, frags, stored.FragmentCount)
	assert.Equal(t, stored.FragmentCount, f.vectors.Stats().Fragments)
}

// clearingStore starts a knowledge-base clear while a document is being indexed and
// gives it a moment to finish before the ingestion goes on to commit.
type clearingStore struct {
	storage.Storage
	pipeline *Pipeline
	once     sync.Once
	done     chan struct{}
	err      error
}

func (s *clearingStore) UpdateDocument(ctx context.Context, doc *models.Document) error {
	if doc.Status == models.StatusIndexing {
		s.once.Do(func() {
			go func() {
				s.err = s.pipeline.Clear(context.Background())
				close(s.done)
			}()
			select {
			case <-s.done:
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
	return s.Storage.UpdateDocument(ctx, doc)
}

func TestPipeline_ClearDuringIndexingWaitsForCommit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.newDoc(t, "doc1", "txt")
	wrapped := &clearingStore{Storage: f.store, pipeline: f.pipeline, done: make(chan struct{})}
	f.pipeline.storage = wrapped

	require.NoError(t, f.pipeline.Ingest(ctx, doc, []byte(sampleText)))
	<-wrapped.done
	require.NoError(t, wrapped.err)

	stored, err := f.store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status, "the clear lands after the commit")
	assert.Zero(t, stored.FragmentCount)
	assert.Zero(t, f.vectors.Stats().Fragments)
	f.assertNoDerivedData(t, "doc1")
}

// blockingEmbedder holds the first call until its context is cancelled.
type blockingEmbedder struct {
	*embedding.HashingEmbedder
	once    sync.Once
	started chan struct{}
}

func (e *blockingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.once.Do(func() { close(e.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPipeline_CloseFailsRunningAndQueuedDocuments(t *testing.T) {
	emb := &blockingEmbedder{HashingEmbedder: embedding.NewHashingEmbedder(testDims), started: make(chan struct{})}
	f := newFixture(t, emb, WithWorkers(1))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.pipeline.Submit(f.newDoc(t, fmt.Sprintf("doc%d", i), "txt"), []byte(sampleText))
	}
	<-emb.started
	f.pipeline.Close()

	counts, err := f.store.CountDocumentsByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[models.StatusFailed])
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("doc%d", i)
		stored, err := f.store.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, stored.Error, id)
		f.assertNoDerivedData(t, id)
	}
}

func TestPipeline_RecoverInterrupted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	done := f.newDoc(t, "done", "txt")
	stuck := f.newDoc(t, "stuck", "txt")
	require.NoError(t, f.pipeline.Ingest(ctx, done, []byte(sampleText)))
	require.NoError(t, f.pipeline.Ingest(ctx, stuck, []byte(sampleText)))
	// A crash mid-ingestion leaves the row in a working stage with index entries.
	require.NoError(t, f.store.SetDocumentStatus(ctx, "stuck", models.StatusEmbedding, ""))

	ids, err := f.pipeline.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, ids)

	stored, err := f.store.GetDocument(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "interrupted")
	f.assertNoDerivedData(t, "stuck")

	kept, err := f.store.GetDocument(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, kept.Status)
	assert.Equal(t, 4, f.vectors.Stats().Fragments)
}
