// Package jobs turns a chat request into a background job: it persists the
// user turn, subscribes to the job channel and hands the task to a runner.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrConversationNotFound = errors.New("conversation not found")
)

// historyLimit bounds the prior turns sent to the runner.
const historyLimit = 10

type Mode struct {
	DeepSearch bool `json:"deep_search"`
	LabMode    bool `json:"lab_mode"`
}

func (m Mode) Name() string {
	switch {
	case m.LabMode:
		return "lab"
	case m.DeepSearch:
		return "deep_search"
	default:
		return "chat"
	}
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

// Task is everything the runner needs; it is serialized into the workflow input.
type Task struct {
	JobID          string                 `json:"job_id"`
	ConversationID string                 `json:"conversation_id"`
	Content        string                 `json:"content"`
	History        []cache.HistoryMessage `json:"history"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	Mode           Mode                   `json:"mode"`
}

// TaskRunner executes tasks out of band and returns an opaque handle that can
// later be passed to a Canceller.
type TaskRunner interface {
	Submit(ctx context.Context, task Task) (string, error)
}

type Canceller interface {
	CancelJob(ctx context.Context, handle string) error
}

type Request struct {
	ConversationID string
	UserID         string
	Anonymous      bool
	Content        string
	Mode           Mode
	Attachments    []Attachment
}

type Dispatched struct {
	JobID           string
	ConversationID  string
	TaskHandle      string
	Mode            Mode
	UserMessage     store.Message
	Conversation    store.Conversation
	NewConversation bool
	Subscription    events.Subscription
	StartedAt       time.Time
}

type Dispatcher struct {
	store   store.Store
	channel events.Channel
	runner  TaskRunner
	history cache.HistoryCache
	log     zerolog.Logger
	newID   func() string
	now     func() time.Time
}

func NewDispatcher(st store.Store, channel events.Channel, runner TaskRunner, history cache.HistoryCache, log zerolog.Logger) *Dispatcher {
	if history == nil {
		history = cache.NoopHistory{}
	}
	return &Dispatcher{
		store:   st,
		channel: channel,
		runner:  runner,
		history: history,
		log:     log.With().Str("component", "dispatcher").Logger(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Turn is a persisted user message and the history that leads up to it,
// including the message itself.
type Turn struct {
	Conversation    store.Conversation
	NewConversation bool
	UserMessage     store.Message
	History         []cache.HistoryMessage
}

// Prepare validates req, resolves or creates its conversation and persists the
// user message.
func (d *Dispatcher) Prepare(ctx context.Context, req Request) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}

	conversation, created, err := d.conversation(ctx, req)
	if err != nil {
		return nil, err
	}

	history := d.loadHistory(ctx, conversation.ID, created)

	userMessage := store.Message{
		ID:             d.newID(),
		ConversationID: conversation.ID,
		Role:           store.RoleUser,
		Content:        content,
		Status:         store.MessageComplete,
		Mode:           req.Mode.Name(),
		LabMode:        req.Mode.LabMode,
	}
	if len(req.Attachments) > 0 {
		userMessage.HasFile = true
		userMessage.FileType = req.Attachments[0].ContentType
	}
	if err := d.store.AddMessage(ctx, userMessage); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	history = append(history, cache.HistoryMessage{Role: store.RoleUser, Content: content})
	if err := d.history.Set(ctx, conversation.ID, trimHistory(history)); err != nil {
		d.log.Warn().Err(err).Str("conversation_id", conversation.ID).Msg("history cache write")
	}

	return &Turn{
		Conversation:    conversation,
		NewConversation: created,
		UserMessage:     userMessage,
		History:         history,
	}, nil
}

// Dispatch persists the user turn and starts the job. The returned
// subscription is already attached to the job channel, so the caller observes
// every event the runner publishes; the caller owns closing it.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Dispatched, error) {
	turn, err := d.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	conversation := turn.Conversation
	content := turn.UserMessage.Content

	jobID := d.newID()
	log := d.log.With().Str("job_id", jobID).Str("conversation_id", conversation.ID).Logger()
	if err := d.store.CreateJob(ctx, store.Job{
		ID:             jobID,
		ConversationID: conversation.ID,
		Mode:           req.Mode.Name(),
		Status:         store.JobPending,
	}); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	// Subscribe before submitting so no early event is published into an empty
	// channel. The subscription outlives the request; the relay closes it.
	sub, err := d.channel.Subscribe(context.WithoutCancel(ctx), jobID)
	if err != nil {
		d.failJob(ctx, jobID, "subscribe failed")
		return nil, fmt.Errorf("subscribe job channel: %w", err)
	}

	task := Task{
		JobID:          jobID,
		ConversationID: conversation.ID,
		Content:        content,
		History:        turn.History,
		Attachments:    req.Attachments,
		Mode:           req.Mode,
	}
	handle, err := d.runner.Submit(ctx, task)
	if err != nil {
		_ = sub.Close()
		d.failJob(ctx, jobID, "submit failed")
		log.Error().Err(err).Msg("submit task")
		return nil, fmt.Errorf("submit task: %w", err)
	}
	if err := d.store.AttachJobTask(ctx, jobID, handle); err != nil {
		// The job is already running; the relay still owns its outcome.
		log.Warn().Err(err).Str("task_id", handle).Msg("record task handle")
	}
	metrics.IncJobDispatched(req.Mode.Name())
	log.Info().Str("task_id", handle).Str("mode", req.Mode.Name()).Msg("job dispatched")

	return &Dispatched{
		JobID:           jobID,
		ConversationID:  conversation.ID,
		TaskHandle:      handle,
		Mode:            req.Mode,
		UserMessage:     turn.UserMessage,
		Conversation:    conversation,
		NewConversation: turn.NewConversation,
		Subscription:    sub,
		StartedAt:       d.now(),
	}, nil
}

func (d *Dispatcher) conversation(ctx context.Context, req Request) (store.Conversation, bool, error) {
	if req.ConversationID != "" {
		existing, err := d.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return store.Conversation{}, false, fmt.Errorf("load conversation: %w", err)
		}
		if existing == nil {
			return store.Conversation{}, false, ErrConversationNotFound
		}
		return *existing, false, nil
	}
	conversation := store.Conversation{
		ID:          d.newID(),
		UserID:      req.UserID,
		Title:       store.DefaultTitle,
		IsAnonymous: req.Anonymous,
	}
	if err := d.store.CreateConversation(ctx, conversation); err != nil {
		return store.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, true, nil
}

// loadHistory reads prior turns from the cache, falling back to the store.
// History is advisory, so failures degrade to an empty history. Prepare
// writes the result back once the user turn is persisted.
func (d *Dispatcher) loadHistory(ctx context.Context, conversationID string, created bool) []cache.HistoryMessage {
	if created {
		return nil
	}
	log := d.log.With().Str("conversation_id", conversationID).Logger()
	if cached, ok, err := d.history.Get(ctx, conversationID); err != nil {
		log.Warn().Err(err).Msg("history cache read")
	} else if ok {
		return trimHistory(cached)
	}
	messages, err := d.store.ListMessages(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("history store read")
		return nil
	}
	history := make([]cache.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Status == store.MessageStreaming || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		history = append(history, cache.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return trimHistory(history)
}

func trimHistory(history []cache.HistoryMessage) []cache.HistoryMessage {
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	out := make([]cache.HistoryMessage, len(history))
	copy(out, history)
	return out
}

func (d *Dispatcher) failJob(ctx context.Context, jobID string, reason string) {
	if err := d.store.UpdateJobStatus(context.WithoutCancel(ctx), jobID, store.JobFailed, reason); err != nil {
		d.log.Error().Err(err).Str("job_id", jobID).Msg("mark job failed")
	}
}
