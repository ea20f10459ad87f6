// Package extract provides text extraction from uploaded document formats.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrExtractionFailed wraps every failure to turn raw bytes into text.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnsupportedType is returned for file types without an extractor.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// TextExtractor turns raw file bytes into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, content []byte, fileType string) (string, error)
}

// Extractor dispatches on file type to the format-specific extractors.
type Extractor struct {
	ocr    OCR
	logger *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithOCR enables image extraction through ocr.
func WithOCR(ocr OCR) Option {
	return func(e *Extractor) { e.ocr = ocr }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FileType normalises a file name or extension to the lower-case extension without dot.
func FileType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = name
	}
	return strings.TrimPrefix(strings.ToLower(ext), ".")
}

// Supported reports whether fileType has an extractor. Images additionally need OCR.
func (e *Extractor) Supported(fileType string) bool {
	switch FileType(fileType) {
	case "txt", "md", "markdown", "pdf", "docx", "xlsx", "pptx":
		return true
	case "png", "jpg", "jpeg":
		return e.ocr != nil
	}
	return false
}

// ExtractFile reads the file at path and extracts its text.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read file: %w", ErrExtractionFailed, err)
	}
	return e.Extract(ctx, content, FileType(path))
}

// Extract returns the text of content. All errors wrap ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, content []byte, fileType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var (
		text string
		err  error
	)
	switch ft := FileType(fileType); ft {
	case "pdf":
		text, err = extractPDF(content)
	case "docx":
		text, err = extractDOCX(content)
	case "xlsx":
		text, err = extractExcel(content)
	case "pptx":
		text, err = extractPPTX(content)
	case "md", "markdown":
		text, err = extractMarkdown(content)
	case "txt":
		text, err = extractPlain(content)
	case "png", "jpg", "jpeg":
		if e.ocr == nil {
			err = fmt.Errorf("%w: %s (no OCR configured)", ErrUnsupportedType, ft)
			break
		}
		text, err = extractImage(ctx, e.ocr, content)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedType, ft)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		e.logger.Debug("extraction failed", zap.String("file_type", fileType), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return text, nil
}
