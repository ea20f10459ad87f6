package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/extract"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/knowledge"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/prompt"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Config       *config.Config
	Storage      storage.Storage
	Blobs        *storage.BlobStore
	Embedder     embedding.Embedder
	VectorIndex  vector.VectorIndex
	KeywordIndex keyword.KeywordIndex
	Pipeline     *indexer.Pipeline
	Engine       *search.Engine
	Knowledge    *knowledge.Service
	Generator    generator.Generator
	Chat         *chat.Orchestrator
	Metrics      *metrics.Collector

	logger *zap.Logger
	// persist is set once the vector index matches the embedder; Close only saves
	// a snapshot then, so a rejected start never overwrites the previous one.
	persist bool
}

// Close stops background work, persists the vector index and releases every resource.
func (c *Components) Close() {
	if c.Chat != nil {
		c.Chat.Close()
	}
	if c.Pipeline != nil {
		c.Pipeline.Close()
	}
	if c.persist {
		if err := c.VectorIndex.Save(c.Config.Storage.VectorIndexPath); err != nil {
			c.logger.Warn("vector index save failed", zap.String("path", c.Config.Storage.VectorIndexPath), zap.Error(err))
		}
	}
	if c.Generator != nil {
		_ = c.Generator.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.VectorIndex != nil {
		_ = c.VectorIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// initializeComponents wires every service from cfg. When reg is non-nil, metrics are
// registered with it and the pipeline reports document transitions.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (c *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Components{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0755); err != nil {
		return c, fmt.Errorf("failed to create data directory: %w", err)
	}
	if c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return c, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if c.Blobs, err = storage.NewBlobStore(cfg.Storage.UploadDir); err != nil {
		return c, fmt.Errorf("failed to initialize upload store: %w", err)
	}

	if c.Embedder, err = embedding.New(ctx, cfg.Embedding, logger); err != nil {
		return c, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if c.VectorIndex, err = vector.NewVectorIndex(string(vector.IndexTypeMemory), cfg.Embedding.Dimensions); err != nil {
		return c, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if err := c.VectorIndex.Load(cfg.Storage.VectorIndexPath); err != nil {
		if errors.Is(err, vector.ErrDimensionMismatch) {
			return c, fmt.Errorf("%w: %w (clear the knowledge base after changing embedding dimensions)", config.ErrConfiguration, err)
		}
		logger.Warn("vector index snapshot unreadable; reprocess documents to rebuild it",
			zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
	}
	if err := vector.CheckDimensions(c.Embedder.Dimensions(), c.VectorIndex); err != nil {
		return c, err
	}
	c.persist = true
	logger.Info("vector index initialized",
		zap.String("type", string(vector.IndexTypeMemory)),
		zap.Int("dimensions", c.VectorIndex.Dimensions()),
		zap.Int("fragments", c.VectorIndex.Stats().Fragments))

	if c.KeywordIndex, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath); err != nil {
		return c, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	extractOpts := []extract.Option{extract.WithLogger(logger)}
	if ocr, ocrErr := extract.NewTesseractOCR(""); ocrErr == nil {
		extractOpts = append(extractOpts, extract.WithOCR(ocr))
	} else {
		logger.Info("image OCR disabled", zap.Error(ocrErr))
	}
	chunker, err := indexer.NewChunker(cfg.Chunking)
	if err != nil {
		return c, err
	}

	pipelineOpts := []indexer.Option{
		indexer.WithLogger(logger),
		indexer.WithKeywordIndex(c.KeywordIndex),
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithWorkers(cfg.Ingestion.Workers),
	}
	if reg != nil {
		c.Metrics = metrics.NewCollector("shiori", reg, logger)
		pipelineOpts = append(pipelineOpts, indexer.WithObserver(c.Metrics))
	}
	c.Pipeline = indexer.NewPipeline(c.Storage, extract.NewExtractor(extractOpts...), c.Embedder, c.VectorIndex, chunker, pipelineOpts...)
	c.Engine = search.NewEngine(c.Storage, c.Embedder, c.VectorIndex, cfg.Retrieval,
		search.WithKeywordIndex(c.KeywordIndex), search.WithLogger(logger))
	c.Knowledge = knowledge.NewService(c.Storage, c.Blobs, c.Pipeline, c.Engine, c.VectorIndex, c.Embedder, cfg.Upload,
		knowledge.WithLogger(logger),
		knowledge.WithDiskPaths(cfg.Storage.DatabasePath, cfg.Storage.VectorIndexPath, cfg.Storage.BleveIndexPath, cfg.Storage.UploadDir))
	if _, err := c.Pipeline.RecoverInterrupted(ctx); err != nil {
		return c, err
	}

	counter, err := prompt.NewCounter(cfg.Context)
	if err != nil {
		return c, err
	}
	if c.Generator, err = generator.New(cfg.Generator, logger); err != nil {
		return c, err
	}
	c.Chat = chat.NewOrchestrator(c.Storage, c.Engine, prompt.NewAssembler(cfg.Context, counter), c.Generator, cfg.Chat,
		chat.WithLogger(logger), chat.WithMaxTokens(cfg.Generator.MaxTokens))
	return c, nil
}
