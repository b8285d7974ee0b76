package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/relay"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

const cancelledMessage = "Request cancelled"

type jobResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	Mode           string `json:"mode"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

func toJobResponse(job store.Job) jobResponse {
	return jobResponse{
		ID:             job.ID,
		ConversationID: job.ConversationID,
		MessageID:      job.MessageID,
		TaskID:         job.TaskID,
		Mode:           job.Mode,
		Status:         job.Status,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		CompletedAt:    job.CompletedAt,
	}
}

// createJob dispatches a job and relays it in the background. Clients follow
// progress over /ws; the background session persists the result.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	req := body.toJobRequest(nil)
	if !s.allowAnonymous(r, req) {
		writeJSONStatus(w, map[string]any{
			"error":         quota.LimitReachedMessage,
			"limit_reached": true,
			"remaining":     0,
		}, http.StatusTooManyRequests)
		return
	}
	dispatched, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		outcome := relay.NewSession(s.relayDeps(), dispatched, nil).Run(ctx)
		s.log.Info().Str("job_id", dispatched.JobID).Str("status", outcome.Status).Msg("background job finished")
	}()

	writeJSONStatus(w, map[string]any{
		"job_id":           dispatched.JobID,
		"conversation_id":  dispatched.ConversationID,
		"user_message_id":  dispatched.UserMessage.ID,
		"new_conversation": dispatched.NewConversation,
		"mode":             dispatched.Mode.Name(),
	}, http.StatusAccepted)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toJobResponse(*job))
}

// cancelJob stops the task and publishes a failure so whichever relay owns
// the job finishes without waiting for its deadline.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if store.TerminalJobStatus(job.Status) {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	if s.canceller != nil {
		if err := s.canceller.CancelJob(r.Context(), job.TaskID); err != nil {
			s.log.Error().Err(err).Str("job_id", jobID).Str("task_id", job.TaskID).Msg("cancel job")
			http.Error(w, "failed to cancel job", http.StatusBadGateway)
			return
		}
	}
	if s.channel != nil {
		event, err := events.New(events.Failure{Message: cancelledMessage})
		if err == nil {
			err = s.channel.Publish(r.Context(), jobID, event)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("publish cancellation")
		}
	}
	writeJSONStatus(w, map[string]string{"job_id": jobID, "status": "cancelling"}, http.StatusAccepted)
}
