package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const snapshotMagic = "SHIV1\x00"

type entry struct {
	id         string
	documentID string
	fileType   string
	metadata   map[string]string
	vector     []float32 // unit length, or all zeros
}

// MemoryIndex is an in-memory vector index using brute-force cosine search.
// Vectors are normalized on upsert so a query is a dot product.
type MemoryIndex struct {
	dimensions int
	entries    map[string]*entry
	byDocument map[string]map[string]struct{}
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[string]*entry),
		byDocument: make(map[string]map[string]struct{}),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the fixed vector length.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Upsert inserts or replaces entries. Validation happens before any write.
func (m *MemoryIndex) Upsert(ctx context.Context, entries []*Entry) error {
	prepared := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != m.dimensions {
			return fmt.Errorf("%w: entry %s has %d, index expects %d", ErrDimensionMismatch, e.ID, len(e.Vector), m.dimensions)
		}
		prepared = append(prepared, &entry{
			id:         e.ID,
			documentID: e.DocumentID,
			fileType:   e.FileType,
			metadata:   copyMetadata(e.Metadata),
			vector:     normalized(e.Vector),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range prepared {
		m.put(e)
	}
	return nil
}

func (m *MemoryIndex) put(e *entry) {
	if old, ok := m.entries[e.id]; ok && old.documentID != e.documentID {
		m.unlinkDocument(old.documentID, old.id)
	}
	m.entries[e.id] = e
	ids, ok := m.byDocument[e.documentID]
	if !ok {
		ids = make(map[string]struct{})
		m.byDocument[e.documentID] = ids
	}
	ids[e.id] = struct{}{}
}

func (m *MemoryIndex) unlinkDocument(documentID, id string) {
	ids := m.byDocument[documentID]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.byDocument, documentID)
	}
}

// Query returns the topK most similar entries that pass filter. With a document
// allow-list only those documents' entries are scored.
func (m *MemoryIndex) Query(ctx context.Context, query []float32, topK int, filter *Filter) ([]*Hit, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(query), m.dimensions)
	}
	if topK <= 0 {
		return nil, nil
	}
	q := normalized(query)

	m.mu.RLock()
	var hits []*Hit
	score := func(e *entry) {
		if !filter.matches(e) {
			return
		}
		hits = append(hits, &Hit{ID: e.id, DocumentID: e.documentID, Score: InnerProduct(q, e.vector)})
	}
	if filter != nil && len(filter.DocumentIDs) > 0 {
		seen := make(map[string]bool, len(filter.DocumentIDs))
		for _, docID := range filter.DocumentIDs {
			if seen[docID] {
				continue
			}
			seen[docID] = true
			for id := range m.byDocument[docID] {
				score(m.entries[id])
			}
		}
	} else {
		for _, e := range m.entries {
			score(e)
		}
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument removes every entry belonging to documentID.
func (m *MemoryIndex) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byDocument[documentID] {
		delete(m.entries, id)
	}
	delete(m.byDocument, documentID)
	return nil
}

// Clear removes all entries.
func (m *MemoryIndex) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.byDocument = make(map[string]map[string]struct{})
	return nil
}

// Stats returns fragment and document counts taken under one read lock.
func (m *MemoryIndex) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Fragments: len(m.entries), Documents: len(m.byDocument), Dimensions: m.dimensions}
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	return m.Stats().Fragments
}

// Save persists the index to path via a temp file and rename. Format: magic, dimension (4), n (4),
// then per entry: id, document id, file type, metadata pairs (length-prefixed strings) and the vector.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	m.mu.RLock()
	err = m.writeSnapshot(f)
	m.mu.RUnlock()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

func (m *MemoryIndex) writeSnapshot(f io.Writer) error {
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(snapshotMagic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.entries))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.entries[id]
		for _, s := range []string{e.id, e.documentID, e.fileType} {
			if err := writeString(w, s); err != nil {
				return fmt.Errorf("write entry %s: %w", id, err)
			}
		}
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
			return fmt.Errorf("write metadata count: %w", err)
		}
		for _, k := range keys {
			if err := writeString(w, k); err != nil {
				return err
			}
			if err := writeString(w, e.metadata[k]); err != nil {
				return err
			}
		}
		if _, err := w.Write(float32SliceToBytes(e.vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("invalid index file %s", path)
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	loaded := make([]*entry, 0, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var fields [3]string
		for j := range fields {
			if fields[j], err = readString(r); err != nil {
				return fmt.Errorf("read entry %d: %w", i, err)
			}
		}
		var metaCount uint32
		if err := binary.Read(r, binary.LittleEndian, &metaCount); err != nil {
			return fmt.Errorf("read metadata count: %w", err)
		}
		var meta map[string]string
		if metaCount > 0 {
			meta = make(map[string]string, metaCount)
		}
		for j := uint32(0); j < metaCount; j++ {
			k, err := readString(r)
			if err != nil {
				return err
			}
			v, err := readString(r)
			if err != nil {
				return err
			}
			meta[k] = v
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		loaded = append(loaded, &entry{id: fields[0], documentID: fields[1], fileType: fields[2], metadata: meta, vector: bytesToFloat32Slice(buf)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry, len(loaded))
	m.byDocument = make(map[string]map[string]struct{})
	for _, e := range loaded {
		m.put(e)
	}
	return nil
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
