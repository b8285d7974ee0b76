package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
)

const chatSystemPrompt = "You are DeepShip, a helpful research assistant. Answer clearly and cite sources when you have them."

// ChatPipeline answers directly from the model without searching.
type ChatPipeline struct {
	llm llm.Provider
}

func NewChatPipeline(provider llm.Provider) ChatPipeline {
	return ChatPipeline{llm: provider}
}

func (p ChatPipeline) Run(ctx context.Context, task jobs.Task, emit Emit) (events.Complete, error) {
	if err := emit(events.Reasoning{Text: "Answering your question..."}); err != nil {
		return events.Complete{}, err
	}
	messages := BuildMessages(chatSystemPrompt, task, "")
	full, err := p.llm.Stream(ctx, messages, func(delta string) error {
		return emit(events.Content{Text: delta})
	})
	if err != nil {
		return events.Complete{}, fmt.Errorf("chat stream: %w", err)
	}
	return events.Complete{Content: full}, nil
}

// BuildMessages assembles the system prompt, prior turns, attachments and the
// current question. The dispatcher already appended the current user turn to
// task.History.
func BuildMessages(system string, task jobs.Task, sourceContext string) []llm.Message {
	var sys strings.Builder
	sys.WriteString(system)
	sys.WriteString("\n\nCurrent date: ")
	sys.WriteString(time.Now().UTC().Format("January 2, 2006"))
	if sourceContext != "" {
		sys.WriteString("\n\n")
		sys.WriteString(sourceContext)
	}
	for _, attachment := range task.Attachments {
		if strings.TrimSpace(attachment.Text) == "" {
			continue
		}
		fmt.Fprintf(&sys, "\n\nAttached file %q:\n%s", attachment.Name, attachment.Text)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	for _, turn := range task.History {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	if len(task.History) == 0 || task.History[len(task.History)-1].Content != task.Content {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task.Content})
	}
	return messages
}
