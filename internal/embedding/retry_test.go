package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastPolicy(tries uint) RetryPolicy {
	return RetryPolicy{MaxTries: tries, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestRetryingEmbedder_RecoversFromTransientFailure(t *testing.T) {
	transient := &StatusError{Code: 503, Body: "busy"}
	inner := newScripted(transient, transient)
	r := NewRetryingEmbedder(inner, fastPolicy(3), zaptest.NewLogger(t))

	vecs, err := r.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedder_ExhaustedRetries(t *testing.T) {
	transient := &StatusError{Code: 429, Body: "slow down"}
	inner := newScripted(transient, transient, transient, transient)
	r := NewRetryingEmbedder(inner, fastPolicy(3), zaptest.NewLogger(t))

	_, err := r.Embed(context.Background(), "a")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedder_PermanentErrorNotRetried(t *testing.T) {
	inner := newScripted(&StatusError{Code: 400, Body: "bad input"})
	r := NewRetryingEmbedder(inner, fastPolicy(5), zaptest.NewLogger(t))

	_, err := r.Embed(context.Background(), "a")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 400, se.Code)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingEmbedder_CancelledContext(t *testing.T) {
	inner := newScripted(&StatusError{Code: 503}, &StatusError{Code: 503}, &StatusError{Code: 503})
	r := NewRetryingEmbedder(inner, RetryPolicy{MaxTries: 3, InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Embed(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(&StatusError{Code: 500}))
	assert.True(t, Transient(&StatusError{Code: 429}))
	assert.False(t, Transient(&StatusError{Code: 401}))
	assert.False(t, Transient(errors.New("boom")))
}
