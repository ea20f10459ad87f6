// Package generator produces answers from assembled prompts using a chat completion backend.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/prompt"
)

// ErrGenerationUnavailable is returned when no answer could be produced after retries.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// Generator turns a prompt into answer text. maxTokens bounds the answer length;
// zero uses the backend default.
type Generator interface {
	Generate(ctx context.Context, messages []prompt.Message, maxTokens int) (string, error)
	Model() string
	Close() error
}

// StreamGenerator is a Generator that can deliver an answer as it is produced.
// GenerateStream calls onDelta with each piece in order and returns the full text;
// an error from onDelta aborts generation and is returned unchanged.
type StreamGenerator interface {
	Generator
	GenerateStream(ctx context.Context, messages []prompt.Message, maxTokens int, onDelta func(string) error) (string, error)
}

// StatusError is a non-2xx response from the completion backend.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion backend returned %d: %s", e.Code, e.Body)
}

// Transient reports whether err is worth retrying: rate limits, server errors,
// timeouts and dropped connections.
func Transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// New builds the generator selected by cfg.Provider.
func New(cfg config.GeneratorConfig, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "openai", "":
		if cfg.APIKey == "" {
			logger.Warn("generator configured without api key", zap.String("base_url", cfg.BaseURL))
		}
		return NewClient(cfg, WithLogger(logger)), nil
	case "offline":
		return NewOffline(), nil
	default:
		return nil, fmt.Errorf("%w: unknown generator provider %q", config.ErrConfiguration, cfg.Provider)
	}
}
