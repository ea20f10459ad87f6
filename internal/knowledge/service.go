// Package knowledge manages the knowledge base: uploads, document lifecycle, search and statistics.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/extract"
	"github.com/hyperjump/shiori/internal/fileid"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
)

var (
	// ErrDuplicate is returned when identical content is already in the knowledge base.
	ErrDuplicate = errors.New("duplicate document")
	// ErrTooLarge is returned for uploads over the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("file is empty")
)

// DuplicateError names the document that already holds the uploaded content.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: content already stored as document %s", ErrDuplicate, e.ExistingID)
}

// Is makes errors.Is(err, ErrDuplicate) hold.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// MetaSourcePath is the document metadata key holding the path a file was ingested from.
const MetaSourcePath = "source_path"

// UploadResult acknowledges an accepted upload. Processing continues in the background.
type UploadResult struct {
	DocumentID string                `json:"document_id"`
	Filename   string                `json:"filename"`
	Status     models.DocumentStatus `json:"status"`
}

// Service is the knowledge-base facade used by the HTTP API, the CLI and the inbox watcher.
type Service struct {
	storage     storage.Storage
	blobs       *storage.BlobStore
	pipeline    *indexer.Pipeline
	engine      *search.Engine
	vectorIndex vector.VectorIndex
	embedder    embedding.Embedder
	upload      config.UploadConfig
	diskPaths   []string
	logger      *zap.Logger

	statsMu sync.Mutex
	stats   *models.Statistics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDiskPaths sets the files and directories summed for disk usage statistics.
func WithDiskPaths(paths ...string) Option {
	return func(s *Service) { s.diskPaths = append(s.diskPaths, paths...) }
}

// NewService creates the service and subscribes it to pipeline events so cached
// statistics are refreshed when documents change.
func NewService(
	store storage.Storage,
	blobs *storage.BlobStore,
	pipeline *indexer.Pipeline,
	engine *search.Engine,
	vectorIndex vector.VectorIndex,
	embedder embedding.Embedder,
	upload config.UploadConfig,
	opts ...Option,
) *Service {
	s := &Service{
		storage:     store,
		blobs:       blobs,
		pipeline:    pipeline,
		engine:      engine,
		vectorIndex: vectorIndex,
		embedder:    embedder,
		upload:      upload,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	pipeline.Subscribe(s)
	return s
}

// Upload validates and stores an uploaded file and queues it for ingestion.
// Size and type are checked before anything is written.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	filename = filepath.Base(filename)
	fileType := extract.FileType(filename)
	if !s.upload.AllowsExtension(fileType) {
		return nil, fmt.Errorf("%w: %q", extract.ErrUnsupportedType, fileType)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > s.upload.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, len(data), s.upload.MaxSize)
	}

	hash := contentHash(data)
	if err := s.checkDuplicate(ctx, hash, ""); err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:       uuid.NewString(),
		Filename: filename,
		FileType: fileType,
		Size:     int64(len(data)),
		Hash:     hash,
		Status:   models.StatusPending,
	}
	if err := s.store(ctx, doc, data); err != nil {
		return nil, err
	}
	s.logger.Info("document uploaded",
		zap.String("doc_id", doc.ID), zap.String("filename", filename), zap.Int("size", len(data)))

	result := &UploadResult{DocumentID: doc.ID, Filename: doc.Filename, Status: doc.Status}
	s.pipeline.Submit(doc, data)
	return result, nil
}

// IngestPath ingests the file at path synchronously under an ID derived from the path.
// An unchanged, already processed file is skipped and returned as is.
func (s *Service) IngestPath(ctx context.Context, path string) (*models.Document, error) {
	doc, _, err := s.ingestPath(ctx, path)
	return doc, err
}

// ingestPath reports whether the file was unchanged and therefore skipped.
func (s *Service) ingestPath(ctx context.Context, path string) (*models.Document, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", abs, err)
	}
	if len(data) == 0 {
		return nil, false, ErrEmptyFile
	}
	if int64(len(data)) > s.upload.MaxSize {
		return nil, false, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, abs, len(data))
	}

	id := fileid.ForPath(abs)
	hash := contentHash(data)
	doc, err := s.storage.GetDocument(ctx, id)
	switch {
	case err == nil:
		if doc.Hash == hash && doc.Status == models.StatusProcessed {
			return doc, true, nil
		}
		if err := s.checkDuplicate(ctx, hash, id); err != nil {
			return nil, false, err
		}
		doc.Hash = hash
		doc.Size = int64(len(data))
		if err := s.blobs.Put(id, data); err != nil {
			return nil, false, err
		}
		if err := s.storage.UpdateDocument(ctx, doc); err != nil {
			return nil, false, err
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := s.checkDuplicate(ctx, hash, id); err != nil {
			return nil, false, err
		}
		doc = &models.Document{
			ID:       id,
			Filename: filepath.Base(abs),
			FileType: extract.FileType(abs),
			Size:     int64(len(data)),
			Hash:     hash,
			Status:   models.StatusPending,
			Metadata: map[string]interface{}{MetaSourcePath: abs},
		}
		if err := s.store(ctx, doc, data); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, err
	}

	if err := s.pipeline.Ingest(ctx, doc, data); err != nil {
		return doc, false, err
	}
	return doc, false, nil
}

// RemovePath deletes the document ingested from path, if any.
func (s *Service) RemovePath(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	err = s.Delete(ctx, fileid.ForPath(abs))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// List returns documents newest first.
func (s *Service) List(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	docs, err := s.storage.ListDocuments(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return docs, nil
}

// Get returns one document. Unknown IDs wrap storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.storage.GetDocument(ctx, id)
}

// Delete removes a document with its fragments, index entries and stored upload.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.storage.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := s.pipeline.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(id); err != nil {
		s.logger.Warn("failed to remove stored upload", zap.String("doc_id", id), zap.Error(err))
	}
	return nil
}

// Reprocess re-ingests a document from its stored upload in the background.
func (s *Service) Reprocess(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.storage.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(id)
	if err != nil {
		return nil, err
	}
	snapshot := cloneDocument(doc)
	s.pipeline.Submit(doc, data)
	return snapshot, nil
}

// Search runs a knowledge-base search.
func (s *Service) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	return s.engine.Search(ctx, q)
}

// Clear removes every fragment and index entry; documents revert to pending and
// keep their stored uploads so they can be reprocessed.
func (s *Service) Clear(ctx context.Context) error {
	return s.pipeline.Clear(ctx)
}

// Stats returns knowledge-base statistics, cached until the next document change.
func (s *Service) Stats(ctx context.Context) (*models.Statistics, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.stats != nil {
		cp := *s.stats
		return &cp, nil
	}

	total, err := s.storage.CountDocuments(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.storage.CountDocumentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	fragments, err := s.storage.CountFragments(ctx)
	if err != nil {
		return nil, err
	}
	disk, err := storage.DiskUsageBytes(s.diskPaths...)
	if err != nil {
		s.logger.Warn("disk usage unavailable", zap.Error(err))
	}
	stats := &models.Statistics{
		TotalFragments: int(fragments),
		TotalDocuments: int(total),
		Processed:      int(byStatus[models.StatusProcessed]),
		Failed:         int(byStatus[models.StatusFailed]),
		Dimensions:     s.vectorIndex.Dimensions(),
		EmbeddingModel: s.embedder.ModelID(),
		IndexType:      indexType(s.vectorIndex),
		DiskUsageBytes: disk,
	}
	s.stats = stats
	cp := *stats
	return &cp, nil
}

// DocumentChanged invalidates cached statistics.
func (s *Service) DocumentChanged(indexer.Event) {
	s.statsMu.Lock()
	s.stats = nil
	s.statsMu.Unlock()
}

// IndexStats returns the live vector index summary.
func (s *Service) IndexStats() vector.Stats {
	return s.vectorIndex.Stats()
}

func (s *Service) checkDuplicate(ctx context.Context, hash, selfID string) error {
	existing, err := s.storage.GetDocumentByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == selfID {
		return nil
	}
	return &DuplicateError{ExistingID: existing.ID}
}

// store writes the upload and then the document record; a failed insert removes the blob.
func (s *Service) store(ctx context.Context, doc *models.Document, data []byte) error {
	if err := s.blobs.Put(doc.ID, data); err != nil {
		return err
	}
	if err := s.storage.CreateDocument(ctx, doc); err != nil {
		_ = s.blobs.Delete(doc.ID)
		return err
	}
	s.DocumentChanged(indexer.Event{DocumentID: doc.ID, To: models.StatusPending})
	return nil
}

func cloneDocument(doc *models.Document) *models.Document {
	cp := *doc
	if doc.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(doc.Metadata))
		for k, v := range doc.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func indexType(idx vector.VectorIndex) string {
	if t, ok := idx.(interface{ Type() string }); ok {
		return t.Type()
	}
	return "unknown"
}
