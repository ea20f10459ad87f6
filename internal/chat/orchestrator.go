// Package chat answers conversational questions over the knowledge base.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/prompt"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/storage"
)

var tracer = otel.Tracer("github.com/hyperjump/shiori/internal/chat")

var (
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("chat orchestrator closed")
)

// DefaultTitle names sessions created without a title.
const DefaultTitle = "New Chat"

// Request is one user turn.
type Request struct {
	Message string `json:"message"`
	// SessionID continues a conversation; empty starts a new one.
	SessionID         string   `json:"session_id,omitempty"`
	UseKnowledgeBase  bool     `json:"use_knowledge_base"`
	SelectedDocuments []string `json:"selected_documents,omitempty"`
}

// Response is the answer to a Request.
type Response struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
	// Fragments are the sources actually placed in the prompt.
	Fragments   []*models.RetrievalResult `json:"fragments"`
	ContextUsed bool                      `json:"context_used"`
	TokenCount  int                       `json:"token_count"`
}

// Orchestrator serialises turns per session and runs retrieval, prompt assembly and
// generation for each. Different sessions proceed concurrently.
type Orchestrator struct {
	storage   storage.Storage
	retriever search.Retriever
	assembler *prompt.Assembler
	generator generator.Generator
	config    config.ChatConfig
	maxTokens int
	idle      time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxTokens bounds the generated answer length.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithIdleTimeout sets how long a session actor lingers without work.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idle = d }
}

// NewOrchestrator creates an orchestrator. retriever may be nil when no knowledge base is available.
func NewOrchestrator(
	store storage.Storage,
	retriever search.Retriever,
	assembler *prompt.Assembler,
	gen generator.Generator,
	cfg config.ChatConfig,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		storage:   store,
		retriever: retriever,
		assembler: assembler,
		generator: gen,
		config:    cfg,
		idle:      time.Duration(cfg.SessionIdleSeconds) * time.Second,
		logger:    zap.NewNop(),
		actors:    make(map[string]*actor),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.idle <= 0 {
		o.idle = 5 * time.Minute
	}
	return o
}

// Send answers req. Turns of one session are processed in the order they were sent;
// on any failure nothing is appended to the session. A request without a SessionID
// starts a session that is stored together with its first turn.
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Response, error) {
	return o.submit(ctx, req, nil)
}

// SendStream answers req like Send and passes the answer to onDelta piece by piece as
// it is generated. The turn is appended once the stream has completed. An error from
// onDelta aborts the turn.
func (o *Orchestrator) SendStream(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	if onDelta == nil {
		return o.Send(ctx, req)
	}
	return o.submit(ctx, req, onDelta)
}

func (o *Orchestrator) submit(ctx context.Context, req Request, onDelta func(string) error) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	j := &job{ctx: ctx, req: req, onDelta: onDelta, done: make(chan result, 1)}
	if req.SessionID == "" {
		j.session = &models.Session{ID: uuid.NewString(), Title: Title(req.Message, o.config.TitleLength)}
		j.req.SessionID = j.session.ID
	} else if _, err := o.storage.GetSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	a, err := o.acquire(j.req.SessionID)
	if err != nil {
		return nil, err
	}
	select {
	case a.jobs <- j:
	case <-ctx.Done():
		o.release(a)
		return nil, ctx.Err()
	case <-o.ctx.Done():
		o.release(a)
		return nil, ErrClosed
	}
	select {
	case r := <-j.done:
		return r.resp, r.err
	case <-ctx.Done():
		// The actor observes the same context and skips or aborts the turn.
		return nil, ctx.Err()
	case <-o.ctx.Done():
		return nil, ErrClosed
	}
}

// answer runs one turn. It is only called from the session's actor.
func (o *Orchestrator) answer(ctx context.Context, j *job) (*Response, error) {
	ctx, span := tracer.Start(ctx, "chat.Send", trace.WithAttributes(
		attribute.String("chat.session_id", j.req.SessionID),
		attribute.Bool("chat.use_knowledge_base", j.req.UseKnowledgeBase),
		attribute.Bool("chat.new_session", j.session != nil),
		attribute.Bool("chat.stream", j.onDelta != nil),
	))
	defer span.End()

	resp, err := o.run(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("chat turn failed", zap.String("session_id", j.req.SessionID), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, j *job) (*Response, error) {
	req := j.req
	var history []*models.Message
	if j.session == nil {
		var err error
		history, err = o.storage.GetMessages(ctx, req.SessionID, o.config.HistoryTurns)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	var fragments []*models.RetrievalResult
	if req.UseKnowledgeBase && o.retriever != nil {
		var filters *models.Filters
		if len(req.SelectedDocuments) > 0 {
			filters = &models.Filters{DocumentIDs: req.SelectedDocuments}
		}
		var err error
		fragments, err = o.retriever.Retrieve(ctx, req.Message, o.config.RetrievalTopK, filters)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
	}

	p, err := o.assembler.Assemble(prompt.Request{Query: req.Message, Fragments: fragments, History: history})
	if err != nil {
		return nil, err
	}
	o.logger.Debug("prompt assembled",
		zap.String("session_id", req.SessionID),
		zap.Int("tokens", p.TokenCount),
		zap.Int("fragments", len(p.Fragments)),
		zap.Int("history", p.Turns))

	answer, err := o.generate(ctx, p.Messages, j.onDelta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(p.Fragments))
	for i, r := range p.Fragments {
		ids[i] = r.Fragment.ID
	}
	user := &models.Message{Role: models.RoleUser, Content: req.Message}
	assistant := &models.Message{Role: models.RoleAssistant, Content: answer, Fragments: ids}
	if j.session != nil {
		err = o.storage.CreateSessionWithMessages(ctx, j.session, user, assistant)
	} else {
		err = o.storage.AppendMessages(ctx, req.SessionID, user, assistant)
	}
	if err != nil {
		return nil, fmt.Errorf("append messages: %w", err)
	}

	placed := p.Fragments
	if placed == nil {
		placed = []*models.RetrievalResult{}
	}
	return &Response{
		SessionID:   req.SessionID,
		Response:    answer,
		Fragments:   placed,
		ContextUsed: len(placed) > 0,
		TokenCount:  p.TokenCount,
	}, nil
}

// generate produces the answer, streaming it to onDelta when set. Generators that
// cannot stream deliver the whole answer as one delta.
func (o *Orchestrator) generate(ctx context.Context, messages []prompt.Message, onDelta func(string) error) (string, error) {
	if onDelta == nil {
		return o.generator.Generate(ctx, messages, o.maxTokens)
	}
	if sg, ok := o.generator.(generator.StreamGenerator); ok {
		return sg.GenerateStream(ctx, messages, o.maxTokens, onDelta)
	}
	answer, err := o.generator.Generate(ctx, messages, o.maxTokens)
	if err != nil {
		return "", err
	}
	if err := onDelta(answer); err != nil {
		return "", err
	}
	return answer, nil
}

// CreateSession starts an empty session. A blank title uses DefaultTitle.
func (o *Orchestrator) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	session := &models.Session{Title: title}
	if err := o.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions most recently active first.
func (o *Orchestrator) ListSessions(ctx context.Context, offset, limit int) ([]*models.Session, error) {
	sessions, err := o.storage.ListSessions(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return sessions, nil
}

// Messages returns a session's messages in order. Unknown sessions wrap storage.ErrNotFound.
func (o *Orchestrator) Messages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if _, err := o.storage.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := o.storage.GetMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

// DeleteSession removes a session and its messages.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	return o.storage.DeleteSession(ctx, sessionID)
}

// Close stops all session actors. Turns in progress observe a cancelled context.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// Title derives a session title from the first message: whitespace collapsed and
// cut to at most n runes with an ellipsis.
func Title(message string, n int) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return DefaultTitle
	}
	if n <= 0 || utf8.RuneCountInString(title) <= n {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:n])) + "..."
}
