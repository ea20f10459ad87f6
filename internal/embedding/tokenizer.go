package embedding

import "hash/fnv"

// Tokenizer produces BERT-style model inputs: input_ids, attention_mask and token_type_ids,
// each exactly maxTokens long.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

const (
	tokenCLS = 101
	tokenSEP = 102

	// Word IDs fall in [firstWordID, vocabRange) so they never collide with special tokens.
	firstWordID = 1000
	vocabRange  = 30000

	defaultMaxTokens = 256
)

// HashTokenizer maps each term of Terms to a hashed vocabulary ID, so an ONNX model
// can run without its vocabulary file.
type HashTokenizer struct{}

// Tokenize frames the terms of text as [CLS] terms... [SEP] and pads with zeros.
func (HashTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens < 2 {
		maxTokens = defaultMaxTokens
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	n := 0
	put := func(id int64) {
		inputIDs[n] = id
		attentionMask[n] = 1
		n++
	}
	put(tokenCLS)
	for _, term := range Terms(text) {
		if n == maxTokens-1 {
			break
		}
		put(termID(term))
	}
	put(tokenSEP)
	return inputIDs, attentionMask, tokenTypeIDs
}

func termID(term string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return int64(firstWordID + h.Sum32()%(vocabRange-firstWordID))
}
