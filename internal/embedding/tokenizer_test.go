package embedding

import (
	"testing"
)

func TestHashTokenizer_Tokenize(t *testing.T) {
	ids, attn, types := HashTokenizer{}.Tokenize("hello world", 10)
	if len(ids) != 10 || len(attn) != 10 || len(types) != 10 {
		t.Fatalf("lengths = %d/%d/%d, want 10", len(ids), len(attn), len(types))
	}
	if ids[0] != tokenCLS || ids[3] != tokenSEP {
		t.Errorf("expected CLS ... SEP framing, got %v", ids)
	}
	if attn[0] != 1 || attn[3] != 1 || attn[4] != 0 {
		t.Errorf("unexpected attention mask %v", attn)
	}
	for _, id := range ids[1:3] {
		if id < firstWordID || id >= vocabRange {
			t.Errorf("word token %d outside vocab range", id)
		}
	}
}

func TestHashTokenizer_Truncates(t *testing.T) {
	ids, attn, _ := HashTokenizer{}.Tokenize("a b c d e f g h", 4)
	if len(ids) != 4 || ids[0] != tokenCLS || ids[3] != tokenSEP {
		t.Errorf("unexpected truncation %v", ids)
	}
	for i, m := range attn {
		if m != 1 {
			t.Errorf("attn[%d] = %d, want 1 for a full window", i, m)
		}
	}
}

func TestHashTokenizer_Deterministic(t *testing.T) {
	a, _, _ := HashTokenizer{}.Tokenize("Compost heap", 8)
	b, _, _ := HashTokenizer{}.Tokenize("compost heap", 8)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("ids differ at %d: %v vs %v", i, a, b)
		}
	}
}

func TestHashTokenizer_DefaultWindow(t *testing.T) {
	ids, _, _ := HashTokenizer{}.Tokenize("x", 0)
	if len(ids) != defaultMaxTokens {
		t.Errorf("len = %d, want %d", len(ids), defaultMaxTokens)
	}
}
