package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/umeshrajanna/deepship-api/internal/store"
)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]store.Conversation
	messages      map[string][]string
	messageIndex  map[string]store.Message
	steps         map[string][]store.ReasoningStep
	jobs          map[string]store.Job
	now           func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]store.Conversation{},
		messages:      map[string][]string{},
		messageIndex:  map[string]store.Message{},
		steps:         map[string][]store.ReasoningStep{},
		jobs:          map[string]store.Job{},
		now:           time.Now,
	}
}

func (m *MemoryStore) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conversation store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[conversation.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conversation.ID)
	}
	if conversation.Title == "" {
		conversation.Title = store.DefaultTitle
	}
	now := m.timestamp()
	if conversation.CreatedAt == "" {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt == "" {
		conversation.UpdatedAt = conversation.CreatedAt
	}
	m.conversations[conversation.ID] = conversation
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conversation, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	return &conversation, nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.Conversation, 0, len(m.conversations))
	for _, conversation := range m.conversations {
		if userID != "" && conversation.UserID != userID {
			continue
		}
		out = append(out, conversation)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out, nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return store.ErrNotFound
	}
	for _, messageID := range m.messages[id] {
		delete(m.messageIndex, messageID)
		delete(m.steps, messageID)
	}
	for jobID, job := range m.jobs {
		if job.ConversationID == id {
			delete(m.jobs, jobID)
		}
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, message store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertMessageLocked(message)
}

func (m *MemoryStore) insertMessageLocked(message store.Message) error {
	if _, ok := m.conversations[message.ConversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", message.ConversationID, store.ErrNotFound)
	}
	if _, exists := m.messageIndex[message.ID]; exists {
		return fmt.Errorf("message %s already exists", message.ID)
	}
	if message.CreatedAt == "" {
		message.CreatedAt = m.timestamp()
	}
	message.ReasoningSteps = nil
	m.messageIndex[message.ID] = cloneMessage(message)
	m.messages[message.ConversationID] = append(m.messages[message.ConversationID], message.ID)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.messages[conversationID]
	out := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		message := cloneMessage(m.messageIndex[id])
		steps := m.steps[id]
		if len(steps) > 0 {
			message.ReasoningSteps = make([]store.ReasoningStep, len(steps))
			copy(message.ReasoningSteps, steps)
			sort.SliceStable(message.ReasoningSteps, func(i, j int) bool {
				return message.ReasoningSteps[i].StepNumber < message.ReasoningSteps[j].StepNumber
			})
		}
		out = append(out, message)
	}
	return out, nil
}

func (m *MemoryStore) AppendMessageContent(ctx context.Context, messageID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messageIndex[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	message.Content += text
	m.messageIndex[messageID] = message
	return nil
}

func (m *MemoryStore) MarkMessageFailed(ctx context.Context, messageID string, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	message, ok := m.messageIndex[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	message.Status = store.MessageFailed
	message.Error = errMessage
	m.messageIndex[messageID] = message
	return nil
}

func (m *MemoryStore) AddReasoningStep(ctx context.Context, step store.ReasoningStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messageIndex[step.MessageID]; !ok {
		return fmt.Errorf("message %s: %w", step.MessageID, store.ErrNotFound)
	}
	if step.CreatedAt == "" {
		step.CreatedAt = m.timestamp()
	}
	step.Sources = cloneRaw(step.Sources)
	m.steps[step.MessageID] = append(m.steps[step.MessageID], step)
	return nil
}

func (m *MemoryStore) FinalizeMessage(ctx context.Context, final store.Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, ok := m.conversations[final.Message.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", final.Message.ConversationID, store.ErrNotFound)
	}
	var job store.Job
	if final.JobID != "" {
		job, ok = m.jobs[final.JobID]
		if !ok {
			return fmt.Errorf("job %s: %w", final.JobID, store.ErrNotFound)
		}
	}

	if final.Insert {
		if err := m.insertMessageLocked(final.Message); err != nil {
			return err
		}
	} else {
		existing, ok := m.messageIndex[final.Message.ID]
		if !ok {
			return fmt.Errorf("message %s: %w", final.Message.ID, store.ErrNotFound)
		}
		existing.Content = final.Message.Content
		existing.Status = final.Message.Status
		existing.Sources = cloneRaw(final.Message.Sources)
		existing.Assets = cloneRaw(final.Message.Assets)
		existing.App = final.Message.App
		existing.LabMode = final.Message.LabMode
		existing.Error = final.Message.Error
		m.messageIndex[existing.ID] = existing
	}

	now := m.timestamp()
	conversation.MessageCount += final.MessageCountDelta
	conversation.UpdatedAt = now
	if final.Title != "" && conversation.Title == store.DefaultTitle {
		conversation.Title = final.Title
	}
	m.conversations[conversation.ID] = conversation

	if final.JobID != "" {
		job.MessageID = final.Message.ID
		job.Status = final.JobStatus
		job.Error = final.JobError
		job.UpdatedAt = now
		if store.TerminalJobStatus(job.Status) {
			job.CompletedAt = now
		}
		m.jobs[job.ID] = job
	}
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = store.JobPending
	}
	now := m.timestamp()
	if job.CreatedAt == "" {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*store.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (m *MemoryStore) AttachJobTask(ctx context.Context, jobID string, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	job.TaskID = taskID
	job.UpdatedAt = m.timestamp()
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status string, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	now := m.timestamp()
	job.Status = status
	job.Error = errMessage
	job.UpdatedAt = now
	if store.TerminalJobStatus(status) {
		job.CompletedAt = now
	}
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func cloneMessage(message store.Message) store.Message {
	message.Sources = cloneRaw(message.Sources)
	message.Assets = cloneRaw(message.Assets)
	return message
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
