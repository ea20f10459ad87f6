package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/prompt"
)

var fastRetry = RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func completion(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	})
}

func newTestClient(t *testing.T, url string, mutate func(*config.GeneratorConfig)) *Client {
	cfg := config.GeneratorConfig{BaseURL: url, APIKey: "key", Model: "primary", MaxTokens: 64, Temperature: 0.2}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, WithRetryPolicy(fastRetry), WithLogger(zaptest.NewLogger(t)))
}

func testMessages() []prompt.Message {
	return []prompt.Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hello"},
	}
}

func TestClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req completionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "primary", req.Model)
		assert.Equal(t, 32, req.MaxTokens)
		assert.False(t, req.Stream)
		assert.Equal(t, testMessages(), req.Messages)
		completion(w, "hi there")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/openai/v1/", nil)
	text, err := c.Generate(context.Background(), testMessages(), 32)
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
	assert.Equal(t, "primary", c.Model())
	require.NoError(t, c.Close())
}

func TestClient_DefaultMaxTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 64, req.MaxTokens)
		completion(w, "ok")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Generate(context.Background(), testMessages(), 0)
	require.NoError(t, err)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		completion(w, "third time lucky")
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv.URL, nil).Generate(context.Background(), testMessages(), 0)
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_PermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Generate(context.Background(), testMessages(), 0)
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Generate(context.Background(), testMessages(), 0)
	require.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, int32(fastRetry.MaxTries), calls.Load())
}

func TestClient_FallbackModel(t *testing.T) {
	var primaryCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Model == "primary" {
			primaryCalls.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "backup", req.Model)
		completion(w, "from backup")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *config.GeneratorConfig) { cfg.FallbackModel = "backup" })
	text, err := c.Generate(context.Background(), testMessages(), 0)
	require.NoError(t, err)
	assert.Equal(t, "from backup", text)
	assert.Equal(t, int32(fastRetry.MaxTries), primaryCalls.Load())
}

func TestClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Generate(context.Background(), testMessages(), 0)
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
}

func TestClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		completion(w, "too late")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv.URL, nil).Generate(ctx, testMessages(), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		completion(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *config.GeneratorConfig) { cfg.RatePerSecond = 20 })
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), testMessages(), 0)
		require.NoError(t, err)
	}
	// Burst of one: the second and third calls each wait about 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: http.StatusTooManyRequests}, true},
		{&StatusError{Code: http.StatusInternalServerError}, true},
		{&StatusError{Code: http.StatusBadRequest}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Transient(tt.err), "%v", tt.err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestNew(t *testing.T) {
	g, err := New(config.GeneratorConfig{Provider: "offline"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "offline", g.Model())

	g, err = New(config.GeneratorConfig{Provider: "openai", Model: "m"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Client{}, g)

	_, err = New(config.GeneratorConfig{Provider: "nope"}, nil)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestOffline(t *testing.T) {
	g := NewOffline()
	ctxMsg := prompt.RenderContext([]*models.RetrievalResult{
		{Fragment: &models.Fragment{ID: "a#0", Content: "Solar panels make power."}, Filename: "solar.txt"},
	})
	text, err := g.Generate(context.Background(), []prompt.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleSystem, Content: ctxMsg},
		{Role: models.RoleUser, Content: "what makes power?"},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "From the knowledge base:\n\n[Source: solar.txt]\nSolar panels make power.", text)

	text, err = g.Generate(context.Background(), testMessages(), 0)
	require.NoError(t, err)
	assert.Equal(t, noContextAnswer, text)
}
