package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/extract"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrIndexWriteFailed is returned when fragments cannot be written to the indices or storage.
var ErrIndexWriteFailed = errors.New("index write failed")

var errNoText = errors.New("no text content")

var tracer = otel.Tracer("github.com/hyperjump/shiori/internal/indexer")

const (
	MetaCharCount   = "char_count"
	MetaWordCount   = "word_count"
	MetaProcessedAt = "processed_at"
)

// Pipeline turns raw uploads into stored, embedded and indexed fragments.
type Pipeline struct {
	storage      storage.Storage
	extractor    extract.TextExtractor
	embedder     embedding.Embedder
	vectorIndex  vector.VectorIndex
	keywordIndex keyword.KeywordIndex // optional
	chunker      *Chunker
	batchSize    int
	logger       *zap.Logger

	observersMu sync.RWMutex
	observers   []Observer

	locks *keyedMutex
	// resetMu is held shared from the indexing stage through the fragment commit
	// and exclusively by Clear.
	resetMu sync.RWMutex
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	// bg is the parent context of submitted work; Close cancels it.
	bg     context.Context
	cancel context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithKeywordIndex also writes fragments to a keyword index.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(p *Pipeline) { p.keywordIndex = k }
}

// WithObserver registers an observer for document events.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// WithBatchSize sets how many fragments are embedded per provider call.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) { p.batchSize = n }
}

// WithWorkers bounds how many submitted documents are ingested concurrently.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(
	store storage.Storage,
	extractor extract.TextExtractor,
	embedder embedding.Embedder,
	vectorIndex vector.VectorIndex,
	chunker *Chunker,
	opts ...Option,
) *Pipeline {
	bg, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		storage:     store,
		extractor:   extractor,
		embedder:    embedder,
		vectorIndex: vectorIndex,
		chunker:     chunker,
		logger:      zap.NewNop(),
		locks:       newKeyedMutex(),
		sem:         semaphore.NewWeighted(4),
		bg:          bg,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Ingest runs doc through every stage. doc must already be stored. Any prior
// fragments of doc are removed first. On failure the document's fragments are
// rolled back, it is marked failed and the stage error is returned.
func (p *Pipeline) Ingest(ctx context.Context, doc *models.Document, raw []byte) error {
	unlock := p.locks.Lock(doc.ID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "indexer.Ingest", trace.WithAttributes(
		attribute.String("document.id", doc.ID),
		attribute.String("document.file_type", doc.FileType),
	))
	defer span.End()

	started := time.Now()
	p.logger.Debug("ingest started", zap.String("doc_id", doc.ID), zap.String("filename", doc.Filename))

	if err := p.removeDerived(ctx, doc.ID); err != nil {
		return p.fail(ctx, span, doc, fmt.Errorf("%w: remove previous fragments: %w", ErrIndexWriteFailed, err))
	}
	if doc.Status != models.StatusPending {
		if err := p.storage.SetDocumentStatus(ctx, doc.ID, models.StatusPending, ""); err != nil {
			return fmt.Errorf("reset document status: %w", err)
		}
		p.publish(Event{DocumentID: doc.ID, From: doc.Status, To: models.StatusPending})
		doc.Status = models.StatusPending
		doc.Error = ""
		doc.FragmentCount = 0
	}

	n, err := p.run(ctx, doc, raw)
	if err != nil {
		return p.fail(ctx, span, doc, err)
	}
	span.SetAttributes(attribute.Int("document.fragments", n))
	p.logger.Info("document processed",
		zap.String("doc_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Int("fragments", n),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *models.Document, raw []byte) (int, error) {
	if err := p.advance(ctx, doc, models.StatusExtracting); err != nil {
		return 0, err
	}
	text, err := p.extractor.Extract(ctx, raw, doc.FileType)
	if err != nil {
		return 0, err
	}
	text = Preprocess(text)
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("%w: %w", extract.ErrExtractionFailed, errNoText)
	}
	doc.Content = text
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	doc.Metadata[MetaCharCount] = utf8.RuneCountInString(text)
	doc.Metadata[MetaWordCount] = len(strings.Fields(text))
	delete(doc.Metadata, MetaProcessedAt)

	if err := p.advance(ctx, doc, models.StatusChunking); err != nil {
		return 0, err
	}
	fragments, err := p.chunker.Chunk(doc.ID, text)
	if err != nil {
		return 0, err
	}

	if err := p.advance(ctx, doc, models.StatusEmbedding); err != nil {
		return 0, err
	}
	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Content
	}
	vectors, err := embedding.EmbedAll(ctx, p.embedder, texts, p.batchSize)
	if err != nil {
		return 0, err
	}
	for i := range fragments {
		fragments[i].Embedding = vectors[i]
	}

	p.resetMu.RLock()
	defer p.resetMu.RUnlock()
	if err := p.advance(ctx, doc, models.StatusIndexing); err != nil {
		return 0, err
	}
	if err := p.index(ctx, doc, fragments); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	doc.Metadata[MetaProcessedAt] = time.Now().UTC().Format(time.RFC3339)
	if err := p.storage.UpdateDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("%w: update document: %w", ErrIndexWriteFailed, err)
	}
	if err := p.storage.CommitFragments(ctx, doc.ID, fragments); err != nil {
		return 0, fmt.Errorf("%w: commit fragments: %w", ErrIndexWriteFailed, err)
	}
	from := doc.Status
	doc.Status = models.StatusProcessed
	doc.FragmentCount = len(fragments)
	p.publish(Event{DocumentID: doc.ID, From: from, To: models.StatusProcessed, Fragments: len(fragments)})
	return len(fragments), nil
}

// index writes fragments to the vector index and, when configured, the keyword index.
func (p *Pipeline) index(ctx context.Context, doc *models.Document, fragments []*models.Fragment) error {
	meta := entryMetadata(doc)
	entries := make([]*vector.Entry, len(fragments))
	for i, f := range fragments {
		entries[i] = &vector.Entry{
			ID:         f.ID,
			DocumentID: doc.ID,
			FileType:   doc.FileType,
			Metadata:   meta,
			Vector:     f.Embedding,
		}
	}
	if err := p.vectorIndex.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("%w: vector upsert: %w", ErrIndexWriteFailed, err)
	}
	if p.keywordIndex != nil {
		if err := p.keywordIndex.IndexFragments(ctx, doc.FileType, fragments); err != nil {
			return fmt.Errorf("%w: keyword index: %w", ErrIndexWriteFailed, err)
		}
	}
	return nil
}

// entryMetadata copies the string-valued document metadata used for filtering.
func entryMetadata(doc *models.Document) map[string]string {
	meta := map[string]string{"filename": doc.Filename}
	for k, v := range doc.Metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return meta
}

// advance persists and publishes the transition of doc to status.
func (p *Pipeline) advance(ctx context.Context, doc *models.Document, to models.DocumentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !doc.Status.CanTransition(to) {
		return fmt.Errorf("illegal status transition %s -> %s", doc.Status, to)
	}
	if err := p.storage.SetDocumentStatus(ctx, doc.ID, to, ""); err != nil {
		return fmt.Errorf("set status %s: %w", to, err)
	}
	from := doc.Status
	doc.Status = to
	p.publish(Event{DocumentID: doc.ID, From: from, To: to})
	return nil
}

// fail rolls back derived data and marks doc failed. Cleanup ignores cancellation of ctx.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, doc *models.Document, cause error) error {
	cleanup := context.WithoutCancel(ctx)
	if err := p.removeDerived(cleanup, doc.ID); err != nil {
		p.logger.Error("rollback failed", zap.String("doc_id", doc.ID), zap.Error(err))
	}
	msg := cause.Error()
	if err := p.storage.SetDocumentStatus(cleanup, doc.ID, models.StatusFailed, msg); err != nil {
		p.logger.Error("mark document failed", zap.String("doc_id", doc.ID), zap.Error(err))
	}
	from := doc.Status
	doc.Status = models.StatusFailed
	doc.Error = msg
	doc.FragmentCount = 0
	p.publish(Event{DocumentID: doc.ID, From: from, To: models.StatusFailed, Err: cause})

	span.RecordError(cause)
	span.SetStatus(codes.Error, msg)
	p.logger.Warn("ingest failed",
		zap.String("doc_id", doc.ID),
		zap.String("stage", string(from)),
		zap.Error(cause))
	return cause
}

// removeDerived deletes every fragment of docID from the indices and storage.
func (p *Pipeline) removeDerived(ctx context.Context, docID string) error {
	var errs []error
	if err := p.vectorIndex.DeleteDocument(ctx, docID); err != nil {
		errs = append(errs, fmt.Errorf("vector: %w", err))
	}
	if p.keywordIndex != nil {
		if err := p.keywordIndex.DeleteDocument(ctx, docID); err != nil {
			errs = append(errs, fmt.Errorf("keyword: %w", err))
		}
	}
	if err := p.storage.DeleteFragmentsByDocumentID(ctx, docID); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

// Submit ingests doc asynchronously on the worker pool.
func (p *Pipeline) Submit(doc *models.Document, raw []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.bg, 1); err != nil {
			p.abandon(doc, fmt.Errorf("ingestion cancelled before it started: %w", err))
			return
		}
		defer p.sem.Release(1)
		if err := p.Ingest(p.bg, doc, raw); err != nil {
			p.logger.Debug("submitted ingest failed", zap.String("doc_id", doc.ID), zap.Error(err))
		}
	}()
}

// abandon marks a queued document failed without running it.
func (p *Pipeline) abandon(doc *models.Document, cause error) {
	unlock := p.locks.Lock(doc.ID)
	defer unlock()
	ctx := context.WithoutCancel(p.bg)
	if err := p.removeDerived(ctx, doc.ID); err != nil {
		p.logger.Error("rollback failed", zap.String("doc_id", doc.ID), zap.Error(err))
	}
	if err := p.storage.SetDocumentStatus(ctx, doc.ID, models.StatusFailed, cause.Error()); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Error("mark document failed", zap.String("doc_id", doc.ID), zap.Error(err))
		}
		return
	}
	from := doc.Status
	doc.Status = models.StatusFailed
	doc.Error = cause.Error()
	doc.FragmentCount = 0
	p.publish(Event{DocumentID: doc.ID, From: from, To: models.StatusFailed, Err: cause})
	p.logger.Warn("queued ingest abandoned", zap.String("doc_id", doc.ID), zap.Error(cause))
}

// RecoverInterrupted fails documents a previous process left mid-ingestion and drops
// their derived data. Call it before any ingestion starts.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) ([]string, error) {
	ids, err := p.storage.FailInterrupted(ctx, "ingestion interrupted by shutdown; reprocess to retry")
	if err != nil {
		return nil, fmt.Errorf("recover interrupted documents: %w", err)
	}
	for _, id := range ids {
		if err := p.removeDerived(ctx, id); err != nil {
			return ids, fmt.Errorf("recover %s: %w", id, err)
		}
		p.publish(Event{DocumentID: id, To: models.StatusFailed})
	}
	if len(ids) > 0 {
		p.logger.Warn("interrupted documents marked failed", zap.Strings("doc_ids", ids))
	}
	return ids, nil
}

// Wait blocks until every submitted document has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Delete removes a document and all derived data. It waits for any in-flight
// ingestion of the same document.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	unlock := p.locks.Lock(docID)
	defer unlock()

	if err := p.removeDerived(ctx, docID); err != nil {
		return fmt.Errorf("delete derived data: %w", err)
	}
	if err := p.storage.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	p.publish(Event{DocumentID: docID, Deleted: true})
	p.logger.Debug("document deleted", zap.String("doc_id", docID))
	return nil
}

// Clear removes every fragment from all indices and reverts every document to pending.
// It waits for ingestions that are writing to the indices.
func (p *Pipeline) Clear(ctx context.Context) error {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()
	if err := p.vectorIndex.Clear(ctx); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	if p.keywordIndex != nil {
		if err := p.keywordIndex.Clear(ctx); err != nil {
			return fmt.Errorf("clear keyword index: %w", err)
		}
	}
	if err := p.storage.ResetDocuments(ctx); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	p.publish(Event{To: models.StatusPending})
	p.logger.Info("knowledge base cleared")
	return nil
}

// Close cancels submitted work and waits for it. Interrupted and still queued
// documents end failed.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Subscribe registers an observer after construction.
func (p *Pipeline) Subscribe(o Observer) {
	p.observersMu.Lock()
	p.observers = append(p.observers, o)
	p.observersMu.Unlock()
}

func (p *Pipeline) publish(e Event) {
	p.observersMu.RLock()
	observers := p.observers
	p.observersMu.RUnlock()
	for _, o := range observers {
		o.DocumentChanged(e)
	}
}
