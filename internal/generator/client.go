package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/prompt"
)

var tracer = otel.Tracer("github.com/hyperjump/shiori/internal/generator")

// RetryPolicy bounds the exponential backoff applied to one model.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client calls an OpenAI-compatible /chat/completions endpoint (Groq by default).
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	temperature   float64
	maxTokens     int
	policy        RetryPolicy
	limiter       *rate.Limiter
	client        *http.Client
	logger        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRetryPolicy replaces the retry policy derived from the config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a client from cfg. A positive RatePerSecond throttles requests.
func NewClient(cfg config.GeneratorConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		policy: RetryPolicy{
			MaxTries:        uint(max(cfg.MaxRetries, 1)),
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
		},
		client: &http.Client{Timeout: timeout},
		logger: zap.NewNop(),
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.policy.MaxTries == 0 {
		c.policy.MaxTries = 1
	}
	return c
}

type completionRequest struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
	Stream      bool             `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate asks the primary model, retrying transient failures; when those are
// exhausted and a fallback model is configured it is tried with the same policy.
// Failures wrap ErrGenerationUnavailable; cancellation returns the context error.
func (c *Client) Generate(ctx context.Context, messages []prompt.Message, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	ctx, span := tracer.Start(ctx, "generator.Generate", trace.WithAttributes(
		attribute.String("generator.model", c.model),
		attribute.Int("generator.messages", len(messages)),
	))
	defer span.End()

	text, err := c.generateWithRetry(ctx, c.model, messages, maxTokens)
	if err != nil && ctx.Err() == nil && c.fallbackModel != "" && c.fallbackModel != c.model {
		c.logger.Warn("primary model failed, trying fallback",
			zap.String("model", c.model), zap.String("fallback", c.fallbackModel), zap.Error(err))
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("generator.fallback_model", c.fallbackModel)))
		text, err = c.generateWithRetry(ctx, c.fallbackModel, messages, maxTokens)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	return text, nil
}

func (c *Client) generateWithRetry(ctx context.Context, model string, messages []prompt.Message, maxTokens int) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := c.complete(ctx, model, messages, maxTokens)
		if err == nil {
			return text, nil
		}
		if !Transient(err) {
			return "", backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			return "", backoff.RetryAfter(int(se.RetryAfter.Seconds()))
		}
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.policy.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("completion attempt failed, retrying",
				zap.String("model", model), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

func (c *Client) complete(ctx context.Context, model string, messages []prompt.Message, maxTokens int) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &StatusError{
			Code:       resp.StatusCode,
			Body:       truncateBody(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	c.logger.Debug("completion finished",
		zap.String("model", model),
		zap.Int("prompt_tokens", parsed.Usage.PromptTokens),
		zap.Int("completion_tokens", parsed.Usage.CompletionTokens),
		zap.String("finish_reason", parsed.Choices[0].FinishReason))
	return parsed.Choices[0].Message.Content, nil
}

// Model returns the primary model name.
func (c *Client) Model() string {
	return c.model
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncateBody(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
