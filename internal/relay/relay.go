// Package relay drives one dispatched job from its channel subscription to
// the client stream and the single durable write of the assistant turn.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

const (
	DefaultTimeout = 30 * time.Minute

	TimeoutMessage       = "We're sorry, but your request took too long to process. Please try again with a simpler query."
	ClientTimeoutMessage = "Request timeout - please try again"
	GenericErrorMessage  = "An unexpected error occurred"

	DefaultWriteTimeout = 10 * time.Second

	persistTimeout = 15 * time.Second
)

var (
	errSubscriptionClosed = errors.New("job subscription closed")
	errWriteTimeout       = errors.New("client write timed out")
)

// Writer receives one NDJSON line per call, without the trailing newline.
type Writer interface {
	WriteEvent(line []byte) error
}

type HistoryInvalidator interface {
	Invalidate(ctx context.Context, conversationID string) error
}

type Deps struct {
	Store     store.Store
	History   HistoryInvalidator
	Canceller jobs.Canceller
	// Channel receives the terminal event when the session ends a job itself,
	// so other watchers of the job stop too.
	Channel      events.Channel
	Timeout      time.Duration
	WriteTimeout time.Duration
	Log          zerolog.Logger
}

type state int

const (
	awaitingFirstEvent state = iota
	streaming
	done
)

type Outcome struct {
	Status     string
	MessageID  string
	ClientGone bool
}

type Session struct {
	deps   Deps
	job    *jobs.Dispatched
	writer Writer
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string

	state         state
	messageID     string
	placeholderID string
	content     strings.Builder
	sources     []json.RawMessage
	steps       int
	clientGone  bool
	finalStatus string
}

func NewSession(deps Deps, job *jobs.Dispatched, writer Writer) *Session {
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = DefaultWriteTimeout
	}
	return &Session{
		deps:   deps,
		job:    job,
		writer: writer,
		log: deps.Log.With().
			Str("component", "relay").
			Str("job_id", job.JobID).
			Str("conversation_id", job.ConversationID).
			Logger(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Run consumes the job's subscription until a terminal event, the deadline,
// or ctx cancellation, and always finishes with a terminal status persisted
// and a done line written. Client write failures do not stop the session.
func (s *Session) Run(ctx context.Context) Outcome {
	metrics.RelaySessionStarted()
	defer metrics.RelaySessionEnded()
	defer func() {
		if err := s.job.Subscription.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close subscription")
		}
	}()

	timer := time.NewTimer(s.deps.Timeout)
	defer timer.Stop()

	for s.state != done {
		select {
		case event, ok := <-s.job.Subscription.Events():
			if !ok {
				s.internalFailure(ctx, errSubscriptionClosed)
				continue
			}
			s.handleSafely(ctx, event)
		case <-timer.C:
			s.timeout(ctx)
		case <-ctx.Done():
			s.internalFailure(ctx, ctx.Err())
		}
	}

	metrics.ObserveJobOutcome(s.finalStatus, s.now().Sub(s.job.StartedAt))
	return Outcome{Status: s.finalStatus, MessageID: s.messageID, ClientGone: s.clientGone}
}

func (s *Session) handleSafely(ctx context.Context, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.internalFailure(ctx, fmt.Errorf("panic handling %s event: %v", event.Kind(), r))
		}
	}()
	if err := s.handle(ctx, event); err != nil {
		s.internalFailure(ctx, err)
	}
}

func (s *Session) handle(ctx context.Context, event events.Event) error {
	if s.state == done {
		return nil
	}
	switch payload := event.Payload.(type) {
	case events.Complete:
		s.write(event.Raw())
		s.finishComplete(ctx, payload)
		return nil
	case events.Failure:
		s.write(event.Raw())
		s.finishFailed(ctx, store.JobFailed, payload.Message, "Error: "+payload.Message)
		return nil
	}

	s.write(event.Raw())
	if err := s.ensurePlaceholder(ctx); err != nil {
		return err
	}
	switch payload := event.Payload.(type) {
	case events.Reasoning:
		step := store.ReasoningStep{
			ID:         s.newID(),
			MessageID:  s.messageID,
			StepNumber: s.steps,
			Content:    payload.Text,
			Query:      payload.Query,
			Category:   payload.Category,
			Sources:    payload.Sources,
		}
		if err := s.deps.Store.AddReasoningStep(ctx, step); err != nil {
			return fmt.Errorf("add reasoning step: %w", err)
		}
		s.steps++
	case events.Content:
		if payload.Text == "" {
			return nil
		}
		s.content.WriteString(payload.Text)
		if err := s.deps.Store.AppendMessageContent(ctx, s.messageID, payload.Text); err != nil {
			return fmt.Errorf("append content: %w", err)
		}
	case events.Sources:
		if len(bytes.TrimSpace(payload.Items)) > 0 {
			s.sources = append(s.sources, payload.Items)
		}
	}
	return nil
}

// ensurePlaceholder creates the assistant row once; later writes use its id.
func (s *Session) ensurePlaceholder(ctx context.Context) error {
	if s.state != awaitingFirstEvent {
		return nil
	}
	message := store.Message{
		ID:             s.newID(),
		ConversationID: s.job.ConversationID,
		Role:           store.RoleAssistant,
		Status:         store.MessageStreaming,
		Mode:           s.job.Mode.Name(),
		LabMode:        s.job.Mode.LabMode,
		JobID:          s.job.JobID,
		TaskID:         s.job.TaskHandle,
	}
	if err := s.deps.Store.AddMessage(ctx, message); err != nil {
		return fmt.Errorf("create placeholder: %w", err)
	}
	s.messageID = message.ID
	s.placeholderID = message.ID
	s.state = streaming
	if err := s.deps.Store.UpdateJobStatus(ctx, s.job.JobID, store.JobRunning, ""); err != nil {
		s.log.Warn().Err(err).Msg("mark job running")
	}
	return nil
}

func (s *Session) finishComplete(ctx context.Context, payload events.Complete) {
	sources := payload.Sources
	if len(bytes.TrimSpace(sources)) == 0 {
		sources = s.mergedSources()
	}
	message := s.finalMessage()
	message.Content = payload.Content
	message.Status = store.MessageComplete
	message.Sources = sources
	message.Assets = payload.Assets
	message.App = payload.App
	message.LabMode = payload.LabMode || s.job.Mode.LabMode

	if err := s.finalize(ctx, message, store.JobComplete, ""); err != nil {
		s.log.Error().Err(err).Msg("finalize complete")
		s.writeError(GenericErrorMessage)
		s.markFailed(ctx, store.JobFailed, GenericErrorMessage)
		s.finalStatus = store.JobFailed
	} else {
		s.finalStatus = store.JobComplete
	}
	s.writeDone()
}

// finishFailed persists a failed turn. Partial text wins over the fallback.
func (s *Session) finishFailed(ctx context.Context, jobStatus string, reason string, fallback string) {
	message := s.finalMessage()
	message.Status = store.MessageFailed
	message.Content = s.content.String()
	if strings.TrimSpace(message.Content) == "" {
		message.Content = fallback
	}
	message.Sources = s.mergedSources()
	message.Error = reason

	if err := s.finalize(ctx, message, jobStatus, reason); err != nil {
		s.log.Error().Err(err).Msg("finalize failure")
		s.markFailed(ctx, jobStatus, reason)
	}
	s.finalStatus = jobStatus
	s.writeDone()
}

func (s *Session) timeout(ctx context.Context) {
	s.log.Warn().Dur("timeout", s.deps.Timeout).Msg("job timed out")
	s.abandon(ctx, ClientTimeoutMessage)
	s.writeError(ClientTimeoutMessage)
	s.finishFailed(ctx, store.JobTimedOut, TimeoutMessage, TimeoutMessage)
}

func (s *Session) internalFailure(ctx context.Context, cause error) {
	if s.state == done {
		return
	}
	s.log.Error().Err(cause).Msg("relay session failed")
	s.abandon(ctx, GenericErrorMessage)
	s.writeError(GenericErrorMessage)
	s.finishFailed(ctx, store.JobFailed, GenericErrorMessage, GenericErrorMessage)
}

// abandon cancels the task and publishes the terminal event the cancelled
// task will never send.
func (s *Session) abandon(ctx context.Context, message string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if s.deps.Canceller != nil {
		if err := s.deps.Canceller.CancelJob(ctx, s.job.TaskHandle); err != nil {
			s.log.Error().Err(err).Str("task_id", s.job.TaskHandle).Msg("cancel job")
		}
	}
	if s.deps.Channel == nil {
		return
	}
	event, err := events.New(events.Failure{Message: message})
	if err == nil {
		err = s.deps.Channel.Publish(ctx, s.job.JobID, event)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("publish terminal event")
	}
}

// markFailed is the fallback terminal write when FinalizeMessage did not
// commit. Each write is retried once.
func (s *Session) markFailed(ctx context.Context, jobStatus string, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if s.placeholderID != "" {
		if err := retryOnce(func() error {
			return s.deps.Store.MarkMessageFailed(ctx, s.placeholderID, reason)
		}); err != nil {
			s.log.Error().Err(err).Str("message_id", s.placeholderID).Msg("mark message failed")
		}
	}
	if err := retryOnce(func() error {
		return s.deps.Store.UpdateJobStatus(ctx, s.job.JobID, jobStatus, reason)
	}); err != nil {
		s.log.Error().Err(err).Msg("mark job failed")
	}
}

func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

func (s *Session) finalMessage() store.Message {
	return store.Message{
		ID:             s.messageID,
		ConversationID: s.job.ConversationID,
		Role:           store.RoleAssistant,
		Mode:           s.job.Mode.Name(),
		LabMode:        s.job.Mode.LabMode,
		JobID:          s.job.JobID,
		TaskID:         s.job.TaskHandle,
	}
}

// finalize performs the single terminal write and moves the session to done
// whether or not the write succeeds.
func (s *Session) finalize(ctx context.Context, message store.Message, jobStatus string, jobError string) error {
	insert := s.state == awaitingFirstEvent || message.ID == ""
	if insert {
		message.ID = s.newID()
		s.messageID = message.ID
	}
	s.state = done

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := s.deps.Store.FinalizeMessage(persistCtx, store.Finalization{
		Message:           message,
		Insert:            insert,
		MessageCountDelta: 2,
		Title:             store.DeriveTitle(s.job.UserMessage.Content),
		JobID:             s.job.JobID,
		JobStatus:         jobStatus,
		JobError:          jobError,
	})
	if s.deps.History != nil {
		if invErr := s.deps.History.Invalidate(persistCtx, s.job.ConversationID); invErr != nil {
			s.log.Warn().Err(invErr).Msg("invalidate history cache")
		}
	}
	return err
}

func (s *Session) mergedSources() json.RawMessage {
	merged := make([]json.RawMessage, 0)
	for _, batch := range s.sources {
		var items []json.RawMessage
		if err := json.Unmarshal(batch, &items); err != nil {
			merged = append(merged, batch)
			continue
		}
		merged = append(merged, items...)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

func (s *Session) writeError(message string) {
	line, err := events.Encode(events.Failure{Message: message})
	if err != nil {
		return
	}
	s.write(line)
}

func (s *Session) writeDone() {
	s.write(events.DoneLine())
}

// write hands one line to the client. A write that errors or outlives
// WriteTimeout marks the client gone; the stalled write is abandoned.
func (s *Session) write(line []byte) {
	if s.clientGone || s.writer == nil {
		return
	}
	result := make(chan error, 1)
	go func() {
		result <- s.writer.WriteEvent(line)
	}()
	timer := time.NewTimer(s.deps.WriteTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-result:
	case <-timer.C:
		err = errWriteTimeout
	}
	if err != nil {
		s.clientGone = true
		s.log.Info().Err(err).Msg("client disconnected; continuing without writes")
	}
}
