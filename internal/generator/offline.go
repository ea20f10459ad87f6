package generator

import (
	"context"
	"strings"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/prompt"
)

const noContextAnswer = "I could not find anything in the knowledge base about that."

// Offline answers without a model by quoting the most relevant context block.
// It lets the server and CLI run end to end with no network access.
type Offline struct{}

// NewOffline returns an offline generator.
func NewOffline() *Offline {
	return &Offline{}
}

// Generate returns the first context block, truncated to about maxTokens*4 bytes.
func (*Offline) Generate(ctx context.Context, messages []prompt.Message, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	block := firstContextBlock(messages)
	if block == "" {
		return noContextAnswer, nil
	}
	if maxTokens > 0 && len(block) > maxTokens*4 {
		block = strings.ToValidUTF8(block[:maxTokens*4], "")
	}
	return "From the knowledge base:\n\n" + block, nil
}

// Model returns "offline".
func (*Offline) Model() string {
	return "offline"
}

// Close is a no-op.
func (*Offline) Close() error {
	return nil
}

func firstContextBlock(messages []prompt.Message) string {
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			continue
		}
		blocks := strings.Split(m.Content, "\n\n")
		if len(blocks) < 3 || blocks[0] != prompt.ContextHeader {
			continue
		}
		return blocks[1]
	}
	return ""
}
