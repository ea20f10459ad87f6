// Package indexer splits documents into fragments and runs the ingestion pipeline.
package indexer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
)

// Chunker splits text into overlapping windows of characters or words.
type Chunker struct {
	unit    string
	size    int
	overlap int
}

// NewChunker validates cfg and returns a chunker for it.
func NewChunker(cfg config.ChunkingConfig) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{unit: cfg.Unit, size: cfg.Size, overlap: cfg.Overlap}, nil
}

// Chunk splits text into fragments. Each fragment's Content is the exact substring
// text[Start:End] in rune offsets. Blank text yields no fragments.
func (c *Chunker) Chunk(docID, text string) ([]*models.Fragment, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("chunk %s: text is not valid UTF-8", docID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	runes := []rune(text)
	var spans [][2]int
	if c.unit == config.UnitCharacters {
		spans = c.characterSpans(len(runes))
	} else {
		spans = c.wordSpans(runes)
	}
	fragments := make([]*models.Fragment, len(spans))
	for i, s := range spans {
		fragments[i] = &models.Fragment{
			ID:         models.FragmentID(docID, i),
			DocumentID: docID,
			Index:      i,
			Content:    string(runes[s[0]:s[1]]),
			Start:      s[0],
			End:        s[1],
		}
	}
	return fragments, nil
}

func (c *Chunker) step() int {
	return c.size - c.overlap
}

// characterSpans returns windows of size runes advancing by size-overlap.
func (c *Chunker) characterSpans(n int) [][2]int {
	var spans [][2]int
	for start := 0; ; start += c.step() {
		end := min(start+c.size, n)
		spans = append(spans, [2]int{start, end})
		if end == n {
			return spans
		}
	}
}

// wordSpans groups whitespace-delimited words into windows. A window runs from its
// first word (the text start for window 0) to the first word after it (the text end
// for the last window), so neighbouring spans touch or overlap.
func (c *Chunker) wordSpans(runes []rune) [][2]int {
	starts := wordStarts(runes)
	n := len(starts)
	var spans [][2]int
	for first := 0; ; first += c.step() {
		last := min(first+c.size, n)
		start, end := starts[first], len(runes)
		if first == 0 {
			start = 0
		}
		if last < n {
			end = starts[last]
		}
		spans = append(spans, [2]int{start, end})
		if last == n {
			return spans
		}
	}
}

// wordStarts returns the rune offset of each word.
func wordStarts(runes []rune) []int {
	var starts []int
	inWord := false
	for i, r := range runes {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			starts = append(starts, i)
		}
		inWord = !space
	}
	return starts
}
