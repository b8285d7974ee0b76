package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/umeshrajanna/deepship-api/internal/store"
)

type conversationResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id,omitempty"`
	Title        string `json:"title"`
	IsAnonymous  bool   `json:"is_anonymous"`
	MessageCount int64  `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type reasoningStepResponse struct {
	StepNumber int             `json:"step_number"`
	Content    string          `json:"content"`
	Query      string          `json:"query,omitempty"`
	Category   string          `json:"category,omitempty"`
	Sources    json.RawMessage `json:"sources,omitempty"`
}

type messageResponse struct {
	ID             string                  `json:"id"`
	Role           string                  `json:"role"`
	Content        string                  `json:"content"`
	Status         string                  `json:"status"`
	HasFile        bool                    `json:"has_file"`
	FileType       string                  `json:"file_type,omitempty"`
	Sources        json.RawMessage         `json:"sources"`
	Assets         json.RawMessage         `json:"assets"`
	App            string                  `json:"app,omitempty"`
	Mode           string                  `json:"mode,omitempty"`
	LabMode        bool                    `json:"lab_mode"`
	JobID          string                  `json:"job_id,omitempty"`
	Error          string                  `json:"error,omitempty"`
	CreatedAt      string                  `json:"created_at"`
	ReasoningSteps []reasoningStepResponse `json:"reasoning_steps"`
}

func toConversationResponse(conversation store.Conversation) conversationResponse {
	return conversationResponse{
		ID:           conversation.ID,
		UserID:       conversation.UserID,
		Title:        conversation.Title,
		IsAnonymous:  conversation.IsAnonymous,
		MessageCount: conversation.MessageCount,
		CreatedAt:    conversation.CreatedAt,
		UpdatedAt:    conversation.UpdatedAt,
	}
}

func toMessageResponse(message store.Message) messageResponse {
	steps := make([]reasoningStepResponse, 0, len(message.ReasoningSteps))
	for _, step := range message.ReasoningSteps {
		steps = append(steps, reasoningStepResponse{
			StepNumber: step.StepNumber,
			Content:    step.Content,
			Query:      step.Query,
			Category:   step.Category,
			Sources:    step.Sources,
		})
	}
	return messageResponse{
		ID:             message.ID,
		Role:           message.Role,
		Content:        message.Content,
		Status:         message.Status,
		HasFile:        message.HasFile,
		FileType:       message.FileType,
		Sources:        orEmptyList(message.Sources),
		Assets:         orEmptyList(message.Assets),
		App:            message.App,
		Mode:           message.Mode,
		LabMode:        message.LabMode,
		JobID:          message.JobID,
		Error:          message.Error,
		CreatedAt:      message.CreatedAt,
		ReasoningSteps: steps,
	}
}

func orEmptyList(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

type createConversationRequest struct {
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Anonymous bool   `json:"anonymous"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	conversation := store.Conversation{
		ID:          s.newID(),
		UserID:      strings.TrimSpace(req.UserID),
		Title:       strings.TrimSpace(req.Title),
		IsAnonymous: req.Anonymous,
	}
	if err := s.store.CreateConversation(r.Context(), conversation); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	created, err := s.store.GetConversation(r.Context(), conversation.ID)
	if err != nil || created == nil {
		http.Error(w, "conversation not found after create", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, toConversationResponse(*created), http.StatusCreated)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, toConversationResponse(conversation))
	}
	writeJSON(w, map[string]any{"conversations": out})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	conversation, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conversation == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, toMessageResponse(message))
	}
	writeJSON(w, map[string]any{
		"conversation": toConversationResponse(*conversation),
		"messages":     out,
	})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := s.store.DeleteConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.history.Invalidate(r.Context(), conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("invalidate history cache")
	}
	w.WriteHeader(http.StatusNoContent)
}
