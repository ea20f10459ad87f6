package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/shiori/internal/chat"
	"go.uber.org/zap"
)

type chatMessageRequest struct {
	Message           string   `json:"message"`
	SessionID         string   `json:"session_id,omitempty"`
	UseKnowledgeBase  *bool    `json:"use_knowledge_base,omitempty"`
	SelectedDocuments []string `json:"selected_documents,omitempty"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var body chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := chat.Request{
		Message:           body.Message,
		SessionID:         body.SessionID,
		UseKnowledgeBase:  true,
		SelectedDocuments: body.SelectedDocuments,
	}
	if body.UseKnowledgeBase != nil {
		req.UseKnowledgeBase = *body.UseKnowledgeBase
	}
	s.logger.Debug("chat message request",
		zap.String("session_id", req.SessionID),
		zap.Bool("use_knowledge_base", req.UseKnowledgeBase),
		zap.Int("selected_documents", len(req.SelectedDocuments)))

	start := time.Now()
	resp, err := s.chat.Send(r.Context(), req)
	if s.metrics != nil {
		s.metrics.RecordChatTurn(err, time.Since(start))
	}
	if err != nil {
		s.fail(w, err, "chat message")
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, err := s.chat.CreateSession(r.Context(), body.Title)
	if err != nil {
		s.fail(w, err, "create session")
		return
	}
	s.respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := s.page(w, r)
	if !ok {
		return
	}
	sessions, err := s.chat.ListSessions(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, err, "list sessions")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messages, err := s.chat.Messages(r.Context(), id)
	if err != nil {
		s.fail(w, err, "session messages")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "messages": messages})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.chat.DeleteSession(r.Context(), id); err != nil {
		s.fail(w, err, "delete session")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
