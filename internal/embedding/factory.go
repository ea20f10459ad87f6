package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
)

// stack is the embedder returned by New; Close releases every layer.
type stack struct {
	Embedder
	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// New builds the configured provider wrapped in an LRU cache, an optional Redis cache
// and bounded retries. An unreachable Redis is logged and skipped.
func New(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var base Embedder
	switch cfg.Provider {
	case "hashing", "":
		base = NewHashingEmbedder(cfg.Dimensions)
	case "openai":
		if cfg.APIKey == "" {
			logger.Warn("openai embedding provider configured without api key")
		}
		base = NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions, 30*time.Second)
	case "onnx":
		onnx, err := NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		base = onnx
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", config.ErrConfiguration, cfg.Provider)
	}
	s := &stack{closers: []func() error{base.Close}}

	var e Embedder = NewRetryingEmbedder(base, RetryPolicy{
		MaxTries:        uint(max(cfg.MaxRetries, 1)),
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}, logger)

	if cfg.RedisAddr != "" {
		store, err := NewRedisStore(ctx, cfg.RedisAddr, time.Duration(cfg.RedisTTL)*time.Second)
		if err != nil {
			logger.Warn("redis embedding cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			e = NewCachedEmbedder(e, store, logger)
			s.closers = append(s.closers, store.Close)
		}
	}
	e = NewCachedEmbedder(e, NewEmbeddingCache(cfg.CacheSize), logger)
	s.Embedder = e
	return s, nil
}
