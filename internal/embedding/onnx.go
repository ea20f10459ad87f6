//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/shiori/internal/vector"
)

var (
	onnxInputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	onnxOutputNames = []string{"output"}
)

// onnxTensors are the bound input and output buffers of one session.
type onnxTensors struct {
	inputs []*ort.Tensor[int64]
	output *ort.Tensor[float32]
}

func newONNXTensors(maxTokens, dimensions int) (*onnxTensors, error) {
	t := &onnxTensors{}
	shape := ort.NewShape(1, int64(maxTokens))
	for _, name := range onnxInputNames {
		in, err := ort.NewTensor(shape, make([]int64, maxTokens))
		if err != nil {
			t.destroy()
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		t.inputs = append(t.inputs, in)
	}
	out, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions))
	if err != nil {
		t.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	t.output = out
	return t, nil
}

func (t *onnxTensors) bind() (inputs, outputs []ort.ArbitraryTensor) {
	for _, in := range t.inputs {
		inputs = append(inputs, in)
	}
	return inputs, []ort.ArbitraryTensor{t.output}
}

func (t *onnxTensors) load(columns ...[]int64) {
	for i, col := range columns {
		copy(t.inputs[i].GetData(), col)
	}
}

func (t *onnxTensors) destroy() {
	for _, in := range t.inputs {
		_ = in.Destroy()
	}
	t.inputs = nil
	if t.output != nil {
		_ = t.output.Destroy()
		t.output = nil
	}
}

// ONNXEmbedder runs a sentence-embedding model with ONNX Runtime. It requires cgo and
// the onnxruntime shared library. Runs are serialised because the session is bound to
// one set of tensors.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	tensors    *onnxTensors
	tokenizer  Tokenizer
	dimensions int
	maxTokens  int
	model      string
}

// NewONNXEmbedder loads the model at modelPath. Its output must have dimensions values.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: onnx embedder needs positive dimensions", ErrEmbeddingUnavailable)
	}
	if maxTokens < 2 {
		maxTokens = defaultMaxTokens
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ONNX runtime: %w", ErrEmbeddingUnavailable, err)
		}
	}

	tensors, err := newONNXTensors(maxTokens, dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	inputs, outputs := tensors.bind()
	session, err := ort.NewAdvancedSession(modelPath, onnxInputNames, onnxOutputNames, inputs, outputs, nil)
	if err != nil {
		tensors.destroy()
		return nil, fmt.Errorf("%w: failed to load %s: %w", ErrEmbeddingUnavailable, modelPath, err)
	}

	return &ONNXEmbedder{
		session:    session,
		tensors:    tensors,
		tokenizer:  HashTokenizer{},
		dimensions: dimensions,
		maxTokens:  maxTokens,
		model:      "onnx:" + strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath)),
	}, nil
}

// Embed returns the unit-length model output for text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: onnx embedder is closed", ErrEmbeddingUnavailable)
	}

	e.tensors.load(e.tokenizer.Tokenize(text, e.maxTokens))
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference failed: %w", ErrEmbeddingUnavailable, err)
	}

	vec := make([]float32, e.dimensions)
	copy(vec, e.tensors.output.GetData())
	vector.Normalize(vec)
	return vec, nil
}

// EmbedBatch embeds texts one run at a time.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

func (e *ONNXEmbedder) ModelID() string { return e.model }

// Close releases the session and its tensors. Later calls to Embed fail.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.tensors != nil {
		e.tensors.destroy()
		e.tensors = nil
	}
	return err
}
