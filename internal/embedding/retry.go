package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds the exponential backoff applied to embedding calls.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three tries with waits growing from 1s up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
}

// RetryingEmbedder retries transient failures of the wrapped embedder.
type RetryingEmbedder struct {
	Embedder
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryingEmbedder wraps inner with policy.
func NewRetryingEmbedder(inner Embedder, policy RetryPolicy, logger *zap.Logger) *RetryingEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}
	return &RetryingEmbedder{Embedder: inner, policy: policy, logger: logger}
}

// Embed embeds one text with retries.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch retries transient failures. Exhausted retries wrap ErrEmbeddingUnavailable.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	attempt := 0
	vecs, err := backoff.Retry(ctx, func() ([][]float32, error) {
		attempt++
		v, err := r.Embedder.EmbedBatch(ctx, texts)
		if err != nil && !Transient(err) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("embedding attempt failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	return vecs, nil
}
