// Package prompt assembles model prompts from the question, chat history and retrieved fragments
// within a token budget.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
)

// ErrBudgetExceeded is returned when the system preamble and question alone exceed the budget.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Framing lines around the rendered context message.
const (
	ContextHeader = "Here is some context to help answer the question:"
	ContextFooter = "Now, please answer the following question:"
)

// Message is one chat message sent to the generator.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Request is the input to Assemble. History is chronological; Fragments are in any order.
type Request struct {
	Query     string
	Fragments []*models.RetrievalResult
	History   []*models.Message
	// Budget overrides the configured token budget when positive.
	Budget int
}

// Prompt is an assembled prompt and what went into it.
type Prompt struct {
	Messages   []Message
	TokenCount int
	// Fragments placed in the context, highest score first.
	Fragments []*models.RetrievalResult
	// Turns is the number of history messages included.
	Turns int
}

// Assembler builds prompts. It is safe for concurrent use when its Counter is.
type Assembler struct {
	counter         Counter
	systemPrompt    string
	budget          int
	historyFraction float64
}

// NewAssembler returns an assembler for cfg. A nil counter uses EstimateCounter.
func NewAssembler(cfg config.ContextConfig, counter Counter) *Assembler {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Assembler{
		counter:         counter,
		systemPrompt:    cfg.SystemPrompt,
		budget:          cfg.TokenBudget,
		historyFraction: cfg.HistoryFraction,
	}
}

// Assemble fits the request into the budget. The system preamble and question are always
// included; then the newest history turns up to the history share of the budget; then
// fragments by descending score, skipping any that do not fit whole.
func (a *Assembler) Assemble(req Request) (*Prompt, error) {
	budget := a.budget
	if req.Budget > 0 {
		budget = req.Budget
	}
	mandatory := a.messageCost(a.systemPrompt) + a.messageCost(req.Query)
	if mandatory > budget {
		return nil, fmt.Errorf("%w: preamble and question need %d tokens, budget is %d", ErrBudgetExceeded, mandatory, budget)
	}
	used := mandatory

	// History: newest first, stop at the first turn that does not fit.
	historyBudget := int(a.historyFraction * float64(budget))
	historyUsed := 0
	first := len(req.History)
	for i := len(req.History) - 1; i >= 0; i-- {
		cost := a.messageCost(req.History[i].Content)
		if historyUsed+cost > historyBudget || used+cost > budget {
			break
		}
		historyUsed += cost
		used += cost
		first = i
	}
	history := req.History[first:]

	ranked := make([]*models.RetrievalResult, len(req.Fragments))
	copy(ranked, req.Fragments)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Fragment.ID < ranked[j].Fragment.ID
	})
	var placed []*models.RetrievalResult
	for _, r := range ranked {
		cost := a.counter.Count(renderFragment(r)) + 1
		if len(placed) == 0 {
			cost += a.messageCost(ContextHeader + "\n\n\n\n" + ContextFooter)
		}
		if used+cost > budget {
			continue
		}
		used += cost
		placed = append(placed, r)
	}

	// Piecewise counts are estimates of the rendered prompt; re-count and shed until it fits.
	for {
		p := a.render(req.Query, history, placed)
		if p.TokenCount <= budget {
			return p, nil
		}
		switch {
		case len(placed) > 0:
			placed = placed[:len(placed)-1]
		case len(history) > 0:
			history = history[1:]
		default:
			return nil, fmt.Errorf("%w: prompt needs %d tokens, budget is %d", ErrBudgetExceeded, p.TokenCount, budget)
		}
	}
}

func (a *Assembler) messageCost(content string) int {
	return a.counter.Count(content) + messageOverhead
}

func (a *Assembler) render(query string, history []*models.Message, placed []*models.RetrievalResult) *Prompt {
	msgs := make([]Message, 0, len(history)+3)
	msgs = append(msgs, Message{Role: models.RoleSystem, Content: a.systemPrompt})
	if len(placed) > 0 {
		msgs = append(msgs, Message{Role: models.RoleSystem, Content: RenderContext(placed)})
	}
	for _, m := range history {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, Message{Role: models.RoleUser, Content: query})

	total := 0
	for _, m := range msgs {
		total += a.messageCost(m.Content)
	}
	return &Prompt{Messages: msgs, TokenCount: total, Fragments: placed, Turns: len(history)}
}

// RenderContext formats fragments as the context system message.
func RenderContext(fragments []*models.RetrievalResult) string {
	blocks := make([]string, len(fragments))
	for i, r := range fragments {
		blocks[i] = renderFragment(r)
	}
	return ContextHeader + "\n\n" + strings.Join(blocks, "\n\n") + "\n\n" + ContextFooter
}

func renderFragment(r *models.RetrievalResult) string {
	if r.Filename == "" {
		return r.Fragment.Content
	}
	return "[Source: " + r.Filename + "]\n" + r.Fragment.Content
}
