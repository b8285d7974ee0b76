package llm

import (
	"context"
	"strings"
)

// LocalProvider answers without a model by echoing the last user message. It
// backs the "local" provider used for development and tests.
type LocalProvider struct{}

func (LocalProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return localReply(messages), nil
}

func (LocalProvider) Stream(ctx context.Context, messages []Message, onDelta DeltaFunc) (string, error) {
	reply := localReply(messages)
	var sent strings.Builder
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := ctx.Err(); err != nil {
			return sent.String(), err
		}
		if word == "" {
			continue
		}
		sent.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return sent.String(), err
			}
		}
	}
	return sent.String(), nil
}

func localReply(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser && strings.TrimSpace(messages[i].Content) != "" {
			return "You said: " + strings.TrimSpace(messages[i].Content)
		}
	}
	return "Hello from the local provider."
}
