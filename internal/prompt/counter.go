package prompt

import (
	"fmt"
	"math"
	"sync"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead is the fixed per-message cost of role and framing tokens.
const messageOverhead = 4

// Counter estimates how many model tokens a text occupies. Estimates must not undercount.
type Counter interface {
	Count(text string) int
}

// EstimateCounter counts one token per byte of UTF-8. A byte-level BPE token never
// covers less than one byte, so this is an upper bound for any input, including
// digit runs and scripts outside ASCII. English prose overestimates about fourfold;
// use TiktokenCounter for a tight count.
type EstimateCounter struct{}

// Count returns the UTF-8 length of text.
func (EstimateCounter) Count(text string) int {
	return len(text)
}

// TiktokenCounter counts with a BPE encoding and adds a safety margin for
// models whose tokenizer differs from the encoding.
type TiktokenCounter struct {
	encoding string
	margin   float64

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenCounter loads encoding (for example cl100k_base). The encoding data
// may be downloaded on first use.
func NewTiktokenCounter(encoding string, margin float64) (*TiktokenCounter, error) {
	c := &TiktokenCounter{encoding: encoding, margin: margin}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TiktokenCounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

// Count returns the encoded length of text scaled up by the margin.
func (c *TiktokenCounter) Count(text string) int {
	n := len(c.enc.Encode(text, nil, nil))
	return int(math.Ceil(float64(n) * (1 + c.margin)))
}

// NewCounter builds the counter named by cfg.Counter.
func NewCounter(cfg config.ContextConfig) (Counter, error) {
	switch cfg.Counter {
	case "", "estimate":
		return EstimateCounter{}, nil
	case "tiktoken":
		return NewTiktokenCounter(cfg.Encoding, 0.1)
	default:
		return nil, fmt.Errorf("%w: unknown token counter %q", config.ErrConfiguration, cfg.Counter)
	}
}
