package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	DefaultTitle = "New Conversation"

	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageStreaming = "streaming"
	MessageComplete  = "complete"
	MessageFailed    = "failed"

	JobPending  = "pending"
	JobRunning  = "running"
	JobComplete = "complete"
	JobFailed   = "failed"
	JobTimedOut = "timed_out"

	titleLimit = 50
)

var ErrNotFound = errors.New("not found")

type Conversation struct {
	ID           string
	UserID       string
	Title        string
	IsAnonymous  bool
	MessageCount int64
	CreatedAt    string
	UpdatedAt    string
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Status         string
	HasFile        bool
	FileType       string
	Sources        json.RawMessage
	Assets         json.RawMessage
	App            string
	Mode           string
	LabMode        bool
	JobID          string
	TaskID         string
	Error          string
	CreatedAt      string
	ReasoningSteps []ReasoningStep
}

type ReasoningStep struct {
	ID         string
	MessageID  string
	StepNumber int
	Content    string
	Query      string
	Category   string
	Sources    json.RawMessage
	CreatedAt  string
}

type Job struct {
	ID             string
	ConversationID string
	MessageID      string
	TaskID         string
	Mode           string
	Status         string
	Error          string
	CreatedAt      string
	UpdatedAt      string
	CompletedAt    string
}

// Finalization is the single terminal write for a job: the assistant row, the
// parent conversation counters and the job status commit together.
type Finalization struct {
	Message Message
	// Insert is set when no placeholder row exists yet.
	Insert            bool
	MessageCountDelta int64
	// Title replaces the conversation title only while it is still DefaultTitle.
	Title     string
	JobID     string
	JobStatus string
	JobError  string
}

type Store interface {
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, message Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	AppendMessageContent(ctx context.Context, messageID string, text string) error
	AddReasoningStep(ctx context.Context, step ReasoningStep) error
	FinalizeMessage(ctx context.Context, final Finalization) error
	// MarkMessageFailed is the fallback terminal write for a placeholder row
	// when FinalizeMessage cannot commit.
	MarkMessageFailed(ctx context.Context, messageID string, errMessage string) error

	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	AttachJobTask(ctx context.Context, jobID string, taskID string) error
	UpdateJobStatus(ctx context.Context, jobID string, status string, errMessage string) error

	Ping(ctx context.Context) error
}

// DeriveTitle shortens the first user message into a conversation title.
func DeriveTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return ""
	}
	if utf8.RuneCountInString(content) <= titleLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleLimit]) + "..."
}

func TerminalJobStatus(status string) bool {
	switch status {
	case JobComplete, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}
