package knowledge

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DirectorySummary reports the outcome of IngestDirectory.
type DirectorySummary struct {
	Processed int               `json:"processed"`
	Unchanged int               `json:"unchanged"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// IngestDirectory ingests every file under root whose extension is in extensions
// (all files when empty), workers at a time. Per-file failures are collected in the
// summary; only walking errors and cancellation are returned.
func (s *Service) IngestDirectory(ctx context.Context, root string, extensions []string, workers int) (*DirectorySummary, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if MatchExtension(path, extensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &DirectorySummary{Failed: make(map[string]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, unchanged, err := s.ingestPath(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case err != nil:
				summary.Failed[path] = err.Error()
				s.logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
			case unchanged:
				summary.Unchanged++
			default:
				summary.Processed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// MatchExtension reports whether path has one of extensions, compared without
// case or leading dot. An empty list matches everything.
func MatchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
