package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/shiori/internal/chat"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"go.uber.org/zap"
)

// Frame types sent on a chat stream.
const (
	frameChunk    = "chunk"
	frameComplete = "complete"
	frameError    = "error"
)

type streamRequest struct {
	Message           string   `json:"message"`
	UseKnowledgeBase  *bool    `json:"use_knowledge_base,omitempty"`
	SelectedDocuments []string `json:"selected_documents,omitempty"`
}

// streamFrame is one server message. A turn is any number of chunk frames followed
// by a complete frame carrying the full answer, or by an error frame.
type streamFrame struct {
	Type        string                    `json:"type"`
	Content     string                    `json:"content,omitempty"`
	SessionID   string                    `json:"session_id,omitempty"`
	Fragments   []*models.RetrievalResult `json:"fragments,omitempty"`
	ContextUsed bool                      `json:"context_used,omitempty"`
	TokenCount  int                       `json:"token_count,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// handleChatStream serves GET /api/v1/chat/ws/{id}. Each text message from the client
// is a turn in the session; the answer streams back as it is generated and is stored
// once complete.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if _, err := s.chat.Messages(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			conn.Close(websocket.StatusPolicyViolation, "session not found")
			return
		}
		s.logger.Error("chat stream session lookup failed", zap.String("session_id", id), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "session lookup failed")
		return
	}
	s.logger.Debug("chat stream opened", zap.String("session_id", id))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Debug("chat stream closed", zap.String("session_id", id))
			default:
				s.logger.Debug("chat stream read failed", zap.String("session_id", id), zap.Error(err))
			}
			return
		}
		var body streamRequest
		if typ != websocket.MessageText || json.Unmarshal(data, &body) != nil {
			if err := wsjson.Write(ctx, conn, streamFrame{Type: frameError, Error: "invalid message"}); err != nil {
				return
			}
			continue
		}
		req := chat.Request{
			Message:           body.Message,
			SessionID:         id,
			UseKnowledgeBase:  true,
			SelectedDocuments: body.SelectedDocuments,
		}
		if body.UseKnowledgeBase != nil {
			req.UseKnowledgeBase = *body.UseKnowledgeBase
		}
		if !s.streamTurn(ctx, conn, req) {
			return
		}
	}
}

// streamTurn runs one turn and reports whether the connection is still usable.
func (s *Server) streamTurn(ctx context.Context, conn *websocket.Conn, req chat.Request) bool {
	turnCtx, cancel := context.WithTimeout(ctx, s.requestTimeout())
	defer cancel()

	start := time.Now()
	resp, err := s.chat.SendStream(turnCtx, req, func(delta string) error {
		return wsjson.Write(turnCtx, conn, streamFrame{Type: frameChunk, Content: delta})
	})
	if s.metrics != nil {
		s.metrics.RecordChatTurn(err, time.Since(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("chat stream turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			s.logger.Debug("chat stream turn rejected", zap.String("session_id", req.SessionID), zap.Error(err))
		}
		if werr := wsjson.Write(ctx, conn, streamFrame{Type: frameError, Error: err.Error()}); werr != nil {
			return false
		}
		if errors.Is(err, storage.ErrNotFound) {
			conn.Close(websocket.StatusPolicyViolation, "session not found")
			return false
		}
		return true
	}
	return wsjson.Write(ctx, conn, streamFrame{
		Type:        frameComplete,
		Content:     resp.Response,
		SessionID:   resp.SessionID,
		Fragments:   resp.Fragments,
		ContextUsed: resp.ContextUsed,
		TokenCount:  resp.TokenCount,
	}) == nil
}
