package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/relay"
	"github.com/umeshrajanna/deepship-api/internal/research"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

// streamChat answers plain chat in-process: no job, no channel, one assistant
// row written when the model finishes.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req jobs.Request) {
	if s.llm == nil {
		http.Error(w, "language model is not configured", http.StatusServiceUnavailable)
		return
	}
	turn, err := s.dispatcher.Prepare(r.Context(), req)
	if err != nil {
		s.writeRequestError(w, r, err)
		return
	}
	started := s.now()
	log := s.log.With().
		Str("conversation_id", turn.Conversation.ID).
		Str("mode", req.Mode.Name()).
		Logger()

	writer := newNDJSONWriter(w, flusher, s.cfg.WSSendTimeout)
	defer writer.Close()
	_ = writer.WritePayload(metadataPayload(streamMetadata{
		ConversationID:  turn.Conversation.ID,
		UserMessageID:   turn.UserMessage.ID,
		NewConversation: turn.NewConversation,
	}))

	var partial strings.Builder
	task := jobs.Task{
		ConversationID: turn.Conversation.ID,
		Content:        turn.UserMessage.Content,
		History:        turn.History,
		Attachments:    req.Attachments,
		Mode:           req.Mode,
	}
	complete, runErr := research.NewChatPipeline(s.llm).Run(r.Context(), task, func(payload events.Payload) error {
		if content, ok := payload.(events.Content); ok {
			partial.WriteString(content.Text)
		}
		_ = writer.WritePayload(payload)
		return nil
	})

	message := store.Message{
		ID:             s.newID(),
		ConversationID: turn.Conversation.ID,
		Role:           store.RoleAssistant,
		Mode:           req.Mode.Name(),
		Sources:        json.RawMessage("[]"),
	}
	var terminal events.Payload = complete
	if runErr != nil {
		userMessage := research.UserMessage(runErr)
		log.Error().Err(runErr).Msg("chat stream failed")
		message.Status = store.MessageFailed
		message.Content = partial.String()
		if strings.TrimSpace(message.Content) == "" {
			message.Content = "Error: " + userMessage
		}
		message.Error = userMessage
		terminal = events.Failure{Message: userMessage}
	} else {
		message.Status = store.MessageComplete
		message.Content = complete.Content
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()
	if err := s.store.FinalizeMessage(persistCtx, store.Finalization{
		Message:           message,
		Insert:            true,
		MessageCountDelta: 2,
		Title:             store.DeriveTitle(turn.UserMessage.Content),
	}); err != nil {
		log.Error().Err(err).Msg("persist chat reply")
		terminal = events.Failure{Message: relay.GenericErrorMessage}
	}
	if err := s.history.Invalidate(persistCtx, turn.Conversation.ID); err != nil {
		log.Warn().Err(err).Msg("invalidate history cache")
	}

	status := store.JobComplete
	if terminal.Kind() == events.KindError {
		status = store.JobFailed
	}
	_ = writer.WritePayload(terminal)
	_ = writer.WriteEvent(events.DoneLine())
	metrics.ObserveJobOutcome(status, s.now().Sub(started))
}
