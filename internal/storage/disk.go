package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DiskUsageBytes returns the total size in bytes of the given paths.
// Each path may be a file or a directory (recursively summed).
// Missing paths are skipped; errors during walk are returned.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if info.IsDir() {
			n, err := dirSize(p)
			if err != nil {
				return 0, err
			}
			total += n
		} else {
			total += info.Size()
		}
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// BlobStore keeps the raw bytes of uploaded files so documents can be reprocessed.
type BlobStore struct {
	dir string
}

// NewBlobStore creates dir if needed and returns a store rooted there.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Dir returns the root directory.
func (b *BlobStore) Dir() string { return b.dir }

// path maps a document ID to a file name; IDs are UUIDs or fileid hashes and safe as names.
func (b *BlobStore) path(docID string) string {
	return filepath.Join(b.dir, filepath.Base(docID)+".bin")
}

// Put writes data atomically via a temp file and rename.
func (b *BlobStore) Put(docID string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path(docID)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to store upload: %w", err)
	}
	return nil
}

// Get reads the stored bytes for docID.
func (b *BlobStore) Get(docID string) ([]byte, error) {
	data, err := os.ReadFile(b.path(docID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("upload for %s: %w", docID, ErrNotFound)
	}
	return data, err
}

// Delete removes the stored bytes; missing files are not an error.
func (b *BlobStore) Delete(docID string) error {
	if err := os.Remove(b.path(docID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
