package embedding

import (
	"context"
	"sync"
)

// scriptedEmbedder fails the first len(errs) calls with the given errors, then delegates.
type scriptedEmbedder struct {
	*HashingEmbedder
	mu    sync.Mutex
	errs  []error
	calls int
	texts int
}

func newScripted(errs ...error) *scriptedEmbedder {
	return &scriptedEmbedder{HashingEmbedder: NewHashingEmbedder(8), errs: errs}
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	s.texts += len(texts)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.HashingEmbedder.EmbedBatch(ctx, texts)
}

func (s *scriptedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}
