package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/prompt"
	"github.com/hyperjump/shiori/internal/storage"
)

type fakeRetriever struct {
	mu      sync.Mutex
	results []*models.RetrievalResult
	err     error
	calls   int
	filters *models.Filters
	topK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, topK int, filters *models.Filters) ([]*models.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.filters = filters
	f.topK = topK
	return f.results, f.err
}

// scriptedGenerator answers "answer N" and records the prompts it saw.
type scriptedGenerator struct {
	mu       sync.Mutex
	prompts  [][]prompt.Message
	err      error
	gate     chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (g *scriptedGenerator) Generate(ctx context.Context, messages []prompt.Message, _ int) (string, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.prompts = append(g.prompts, messages)
	return fmt.Sprintf("answer %d", len(g.prompts)), nil
}

func (g *scriptedGenerator) Model() string { return "scripted" }
func (g *scriptedGenerator) Close() error  { return nil }

func (g *scriptedGenerator) last() []prompt.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

type fixture struct {
	store     storage.Storage
	retriever *fakeRetriever
	gen       *scriptedGenerator
	orch      *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, retriever: &fakeRetriever{}, gen: &scriptedGenerator{}}
	assembler := prompt.NewAssembler(config.ContextConfig{
		TokenBudget:     2000,
		HistoryFraction: 0.5,
		SystemPrompt:    "You answer questions.",
	}, prompt.EstimateCounter{})
	cfg := config.ChatConfig{HistoryTurns: 10, RetrievalTopK: 3, TitleLength: 20}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	f.orch = NewOrchestrator(store, f.retriever, assembler, f.gen, cfg, opts...)
	t.Cleanup(f.orch.Close)
	return f
}

func fragment(id string, score float64, content string) *models.RetrievalResult {
	return &models.RetrievalResult{
		Fragment:   &models.Fragment{ID: id, Content: content},
		Score:      score,
		DocumentID: "doc",
		Filename:   "doc.txt",
	}
}

func TestSend_NewSession(t *testing.T) {
	f := newFixture(t)
	f.retriever.results = []*models.RetrievalResult{fragment("doc#0", 0.9, "The sky is blue.")}
	ctx := context.Background()

	resp, err := f.orch.Send(ctx, Request{Message: "What colour is the sky today, please?", UseKnowledgeBase: true})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "answer 1", resp.Response)
	assert.True(t, resp.ContextUsed)
	require.Len(t, resp.Fragments, 1)
	assert.Equal(t, "doc#0", resp.Fragments[0].Fragment.ID)
	assert.Equal(t, 3, f.retriever.topK)
	assert.Nil(t, f.retriever.filters)

	session, err := f.store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "What colour is the s...", session.Title)

	msgs, err := f.orch.Messages(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "answer 1", msgs[1].Content)
	assert.Equal(t, []string{"doc#0"}, msgs[1].Fragments)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)

	p := f.gen.last()
	assert.Contains(t, p[1].Content, "The sky is blue.")
	assert.Equal(t, "What colour is the sky today, please?", p[len(p)-1].Content)
}

func TestSend_ContinuesWithHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Send(ctx, Request{Message: "hello"})
	require.NoError(t, err)
	second, err := f.orch.Send(ctx, Request{Message: "and again", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.ContextUsed)
	assert.NotNil(t, second.Fragments)

	p := f.gen.last()
	require.Len(t, p, 4)
	assert.Equal(t, prompt.Message{Role: models.RoleUser, Content: "hello"}, p[1])
	assert.Equal(t, prompt.Message{Role: models.RoleAssistant, Content: "answer 1"}, p[2])
	assert.Equal(t, 0, f.retriever.calls, "knowledge base not requested")

	msgs, err := f.orch.Messages(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSend_SelectedDocuments(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Send(context.Background(), Request{
		Message:           "q",
		UseKnowledgeBase:  true,
		SelectedDocuments: []string{"a", "b"},
	})
	require.NoError(t, err)
	require.NotNil(t, f.retriever.filters)
	assert.Equal(t, []string{"a", "b"}, f.retriever.filters.DocumentIDs)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Send(context.Background(), Request{Message: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.orch.Send(context.Background(), Request{Message: "hi", SessionID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSend_FailuresAppendNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{
			name:  "generator unavailable",
			setup: func(f *fixture) { f.gen.err = fmt.Errorf("%w: backend down", generator.ErrGenerationUnavailable) },
			want:  generator.ErrGenerationUnavailable,
		},
		{
			name:  "retrieval error",
			setup: func(f *fixture) { f.retriever.err = errors.New("index offline") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			session, err := f.orch.CreateSession(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, DefaultTitle, session.Title)
			tt.setup(f)

			_, err = f.orch.Send(ctx, Request{Message: "q", SessionID: session.ID, UseKnowledgeBase: true})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			msgs, err := f.orch.Messages(ctx, session.ID)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestSend_NewSessionStoredOnlyWithFirstTurn(t *testing.T) {
	tests := []struct {
		name    string
		message string
		setup   func(f *fixture)
		want    error
	}{
		{
			name:    "generator unavailable",
			message: "q",
			setup:   func(f *fixture) { f.gen.err = fmt.Errorf("%w: backend down", generator.ErrGenerationUnavailable) },
			want:    generator.ErrGenerationUnavailable,
		},
		{
			name:    "budget exceeded",
			message: strings.Repeat("a", 10000),
			setup:   func(*fixture) {},
			want:    prompt.ErrBudgetExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tt.setup(f)

			_, err := f.orch.Send(ctx, Request{Message: tt.message})
			require.ErrorIs(t, err, tt.want)
			sessions, err := f.orch.ListSessions(ctx, 0, 10)
			require.NoError(t, err)
			assert.Empty(t, sessions, "a failed first turn leaves no session behind")
		})
	}

	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.orch.Send(ctx, Request{Message: "q"})
	require.NoError(t, err)
	sessions, err := f.orch.ListSessions(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, resp.SessionID, sessions[0].ID)
}

func TestSend_BudgetExceeded(t *testing.T) {
	f := newFixture(t)
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'a'
	}
	_, err := f.orch.Send(context.Background(), Request{Message: string(long)})
	assert.ErrorIs(t, err, prompt.ErrBudgetExceeded)
}

func TestSend_CancelledBeforeAppend(t *testing.T) {
	f := newFixture(t)
	f.gen.gate = make(chan struct{})
	ctx := context.Background()
	session, err := f.orch.CreateSession(ctx, "cancel me")
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := f.orch.Send(cctx, Request{Message: "slow", SessionID: session.ID})
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.gen.inFlight.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// Let the actor finish the aborted turn before inspecting the session.
	close(f.gen.gate)
	require.Eventually(t, func() bool { return f.gen.inFlight.Load() == 0 }, time.Second, time.Millisecond)
	_, err = f.orch.Send(ctx, Request{Message: "after", SessionID: session.ID})
	require.NoError(t, err)
	msgs, err := f.orch.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "after", msgs[0].Content)
}

func TestSend_SerialisedPerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, err := f.orch.CreateSession(ctx, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Send(ctx, Request{Message: fmt.Sprintf("turn %d", i), SessionID: session.ID})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.gen.peak.Load(), "one session never runs two turns at once")

	msgs, err := f.orch.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 16)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, models.RoleUser, msgs[i].Role)
		assert.Equal(t, models.RoleAssistant, msgs[i+1].Role, "each answer directly follows its question")
		assert.Equal(t, int64(i+1), msgs[i].Seq)
	}
}

func TestSend_SessionsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	f.gen.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Send(ctx, Request{Message: "parallel"})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return f.gen.inFlight.Load() == 2 }, 2*time.Second, time.Millisecond)
	close(f.gen.gate)
	wg.Wait()
}

func TestActorsReapedWhenIdle(t *testing.T) {
	f := newFixture(t, WithIdleTimeout(20*time.Millisecond))
	_, err := f.orch.Send(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.orch.activeSessions() == 0 }, time.Second, 5*time.Millisecond)

	// A reaped session gets a fresh actor on the next turn.
	_, err = f.orch.Send(context.Background(), Request{Message: "hi again"})
	require.NoError(t, err)
}

func TestSendAfterClose(t *testing.T) {
	f := newFixture(t)
	f.orch.Close()
	_, err := f.orch.Send(context.Background(), Request{Message: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.orch.CreateSession(ctx, "  first  ")
	require.NoError(t, err)
	assert.Equal(t, "first", a.Title)
	_, err = f.orch.CreateSession(ctx, "second")
	require.NoError(t, err)

	sessions, err := f.orch.ListSessions(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, f.orch.DeleteSession(ctx, a.ID))
	assert.ErrorIs(t, f.orch.DeleteSession(ctx, a.ID), storage.ErrNotFound)
	_, err = f.orch.Messages(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTitle(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  spread \n over  lines ", 50, "spread over lines"},
		{"exactly ten", 11, "exactly ten"},
		{"a fairly long opening message", 8, "a fairly..."},
		{"日本語のメッセージです", 3, "日本語..."},
		{"   ", 10, DefaultTitle},
		{"no limit at all", 0, "no limit at all"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Title(tt.in, tt.n), "Title(%q, %d)", tt.in, tt.n)
	}
}
