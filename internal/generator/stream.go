package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/prompt"
)

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamState records whether any delta reached the caller. Once one has, the
// attempt can no longer be retried or handed to the fallback model.
type streamState struct {
	onDelta  func(string) error
	started  bool
	callback error
}

func (s *streamState) emit(delta string) error {
	s.started = true
	if err := s.onDelta(delta); err != nil {
		s.callback = err
		return err
	}
	return nil
}

// GenerateStream requests a streamed completion and passes each content delta to
// onDelta. Retries and the fallback model apply until the first delta arrives.
func (c *Client) GenerateStream(ctx context.Context, messages []prompt.Message, maxTokens int, onDelta func(string) error) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	ctx, span := tracer.Start(ctx, "generator.GenerateStream", trace.WithAttributes(
		attribute.String("generator.model", c.model),
		attribute.Int("generator.messages", len(messages)),
	))
	defer span.End()

	state := &streamState{onDelta: onDelta}
	text, err := c.streamWithRetry(ctx, c.model, messages, maxTokens, state)
	if err != nil && !state.started && ctx.Err() == nil && c.fallbackModel != "" && c.fallbackModel != c.model {
		c.logger.Warn("primary model failed, trying fallback",
			zap.String("model", c.model), zap.String("fallback", c.fallbackModel), zap.Error(err))
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("generator.fallback_model", c.fallbackModel)))
		text, err = c.streamWithRetry(ctx, c.fallbackModel, messages, maxTokens, state)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if state.callback != nil {
			return "", state.callback
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	return text, nil
}

func (c *Client) streamWithRetry(ctx context.Context, model string, messages []prompt.Message, maxTokens int, state *streamState) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		text, err := c.stream(ctx, model, messages, maxTokens, state.emit)
		if err == nil {
			return text, nil
		}
		if state.started || !Transient(err) {
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
			c.logger.Warn("streamed completion attempt failed, retrying",
				zap.String("model", model), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

// stream reads one server-sent event stream: "data:" lines carrying JSON chunks,
// terminated by "data: [DONE]".
func (c *Client) stream(ctx context.Context, model string, messages []prompt.Message, maxTokens int, emit func(string) error) (string, error) {
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
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &StatusError{
			Code:       resp.StatusCode,
			Body:       truncateBody(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var text strings.Builder
	finish := ""
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				c.logger.Debug("streamed completion finished",
					zap.String("model", model),
					zap.Int("bytes", text.Len()),
					zap.String("finish_reason", finish))
				return text.String(), nil
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Error != nil {
				return "", fmt.Errorf("completion stream failed: %s", chunk.Error.Message)
			}
			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
				if choice.Delta.Content == "" {
					continue
				}
				text.WriteString(choice.Delta.Content)
				if err := emit(choice.Delta.Content); err != nil {
					return "", err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return "", fmt.Errorf("completion stream ended before [DONE]: %w", io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("read completion stream: %w", readErr)
		}
	}
}

// GenerateStream emits the offline answer word by word.
func (o *Offline) GenerateStream(ctx context.Context, messages []prompt.Message, maxTokens int, onDelta func(string) error) (string, error) {
	answer, err := o.Generate(ctx, messages, maxTokens)
	if err != nil {
		return "", err
	}
	for _, word := range strings.SplitAfter(answer, " ") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := onDelta(word); err != nil {
			return "", err
		}
	}
	return answer, nil
}
