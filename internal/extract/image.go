package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strings"
)

// OCR recognises text in an image.
type OCR interface {
	Recognize(ctx context.Context, img []byte) (string, error)
}

// TesseractOCR shells out to the tesseract command line tool.
type TesseractOCR struct {
	Binary   string
	Language string
}

// NewTesseractOCR returns a TesseractOCR when the binary is on PATH.
func NewTesseractOCR(language string) (*TesseractOCR, error) {
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		return nil, fmt.Errorf("tesseract not found: %w", err)
	}
	if language == "" {
		language = "eng"
	}
	return &TesseractOCR{Binary: bin, Language: language}, nil
}

// Recognize pipes img through "tesseract stdin stdout".
func (t *TesseractOCR) Recognize(ctx context.Context, img []byte) (string, error) {
	cmd := exec.CommandContext(ctx, t.Binary, "stdin", "stdout", "-l", t.Language)
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

var errNoText = errors.New("no text recognised in image")

// extractImage prefixes the recognised text with the image dimensions and format.
func extractImage(ctx context.Context, ocr OCR, content []byte) (string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	text, err := ocr.Recognize(ctx, content)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errNoText
	}
	return fmt.Sprintf("Image: %dx%d %s\n\n%s", cfg.Width, cfg.Height, strings.ToUpper(format), text), nil
}
