package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/store"
	"github.com/umeshrajanna/deepship-api/internal/store/memory"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Submit(ctx context.Context, task Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

type mapHistory struct {
	entries map[string][]cache.HistoryMessage
	sets    int
}

func (h *mapHistory) Get(_ context.Context, id string) ([]cache.HistoryMessage, bool, error) {
	history, ok := h.entries[id]
	return history, ok, nil
}

func (h *mapHistory) Set(_ context.Context, id string, history []cache.HistoryMessage) error {
	h.sets++
	h.entries[id] = history
	return nil
}

func (h *mapHistory) Invalidate(_ context.Context, id string) error {
	delete(h.entries, id)
	return nil
}

type failingStore struct {
	*memory.MemoryStore
	failJob bool
}

func (f failingStore) CreateJob(ctx context.Context, job store.Job) error {
	if f.failJob {
		return errors.New("db down")
	}
	return f.MemoryStore.CreateJob(ctx, job)
}

func newDispatcher(t *testing.T, st store.Store, runner TaskRunner, history cache.HistoryCache) (*Dispatcher, *events.Broker) {
	t.Helper()
	broker := events.NewBroker()
	d := NewDispatcher(st, broker, runner, history, zerolog.Nop())
	ids := 0
	d.newID = func() string {
		ids++
		return []string{"id-1", "id-2", "id-3", "id-4"}[ids-1]
	}
	return d, broker
}

func TestModeName(t *testing.T) {
	require.Equal(t, "chat", Mode{}.Name())
	require.Equal(t, "deep_search", Mode{DeepSearch: true}.Name())
	require.Equal(t, "lab", Mode{DeepSearch: true, LabMode: true}.Name())
}

func TestDispatch_NewConversation(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	runner := &mockRunner{}
	runner.On("Submit", mock.Anything, mock.MatchedBy(func(task Task) bool {
		return task.JobID == "id-3" &&
			task.ConversationID == "id-1" &&
			task.Content == "What is Go?" &&
			task.Mode.DeepSearch &&
			len(task.History) == 1 && task.History[0].Role == store.RoleUser
	})).Return("job:id-3", nil).Once()

	d, broker := newDispatcher(t, mem, runner, nil)
	dispatched, err := d.Dispatch(ctx, Request{Content: "  What is Go?  ", UserID: "user-1", Mode: Mode{DeepSearch: true}})
	require.NoError(t, err)
	defer dispatched.Subscription.Close()

	require.True(t, dispatched.NewConversation)
	require.Equal(t, "id-3", dispatched.JobID)
	require.Equal(t, "job:id-3", dispatched.TaskHandle)
	require.Equal(t, 1, broker.Subscribers("id-3"))

	conv, err := mem.GetConversation(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, store.DefaultTitle, conv.Title)

	messages, err := mem.ListMessages(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, store.RoleUser, messages[0].Role)
	require.Equal(t, "What is Go?", messages[0].Content)

	job, err := mem.GetJob(ctx, "id-3")
	require.NoError(t, err)
	require.Equal(t, store.JobPending, job.Status)
	require.Equal(t, "job:id-3", job.TaskID)
	require.Equal(t, "deep_search", job.Mode)
	runner.AssertExpectations(t)
}

func TestDispatch_SubscribesBeforeSubmit(t *testing.T) {
	mem := memory.New()
	runner := &mockRunner{}
	var broker *events.Broker
	runner.On("Submit", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		task := args.Get(1).(Task)
		require.Equal(t, 1, broker.Subscribers(task.JobID))
		event, err := events.New(events.Reasoning{Text: "Analyzing"})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), task.JobID, event))
	}).Return("handle", nil)

	d, b := newDispatcher(t, mem, runner, nil)
	broker = b
	dispatched, err := d.Dispatch(context.Background(), Request{Content: "hi"})
	require.NoError(t, err)
	defer dispatched.Subscription.Close()

	select {
	case event := <-dispatched.Subscription.Events():
		require.Equal(t, events.KindReasoning, event.Kind())
	case <-time.After(time.Second):
		t.Fatal("event published during submit was lost")
	}
}

func TestDispatch_ExistingConversationUsesHistory(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.CreateConversation(ctx, store.Conversation{ID: "conv-1"}))
	require.NoError(t, mem.AddMessage(ctx, store.Message{ID: "m1", ConversationID: "conv-1", Role: store.RoleUser, Content: "first", Status: store.MessageComplete}))
	require.NoError(t, mem.AddMessage(ctx, store.Message{ID: "m2", ConversationID: "conv-1", Role: store.RoleAssistant, Content: "answer", Status: store.MessageComplete}))
	require.NoError(t, mem.AddMessage(ctx, store.Message{ID: "m3", ConversationID: "conv-1", Role: store.RoleAssistant, Content: "partial", Status: store.MessageStreaming}))

	history := &mapHistory{entries: map[string][]cache.HistoryMessage{}}
	runner := &mockRunner{}
	runner.On("Submit", mock.Anything, mock.MatchedBy(func(task Task) bool {
		return len(task.History) == 3 &&
			task.History[0].Content == "first" &&
			task.History[1].Content == "answer" &&
			task.History[2].Content == "second"
	})).Return("h", nil).Once()

	d, _ := newDispatcher(t, mem, runner, history)
	dispatched, err := d.Dispatch(ctx, Request{ConversationID: "conv-1", Content: "second"})
	require.NoError(t, err)
	defer dispatched.Subscription.Close()

	require.False(t, dispatched.NewConversation)
	require.Equal(t, 1, history.sets)
	require.Len(t, history.entries["conv-1"], 3)
	require.Equal(t, "second", history.entries["conv-1"][2].Content)
	runner.AssertExpectations(t)
}

func TestDispatch_HistoryCacheHit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.CreateConversation(ctx, store.Conversation{ID: "conv-1"}))
	history := &mapHistory{entries: map[string][]cache.HistoryMessage{
		"conv-1": {{Role: store.RoleUser, Content: "cached"}},
	}}
	runner := &mockRunner{}
	runner.On("Submit", mock.Anything, mock.MatchedBy(func(task Task) bool {
		return len(task.History) == 2 && task.History[0].Content == "cached"
	})).Return("h", nil).Once()

	d, _ := newDispatcher(t, mem, runner, history)
	dispatched, err := d.Dispatch(ctx, Request{ConversationID: "conv-1", Content: "next"})
	require.NoError(t, err)
	defer dispatched.Subscription.Close()
	require.Equal(t, 1, history.sets)
	require.Equal(t, []cache.HistoryMessage{
		{Role: store.RoleUser, Content: "cached"},
		{Role: store.RoleUser, Content: "next"},
	}, history.entries["conv-1"])
	runner.AssertExpectations(t)
}

func TestDispatch_Validation(t *testing.T) {
	runner := &mockRunner{}
	d, _ := newDispatcher(t, memory.New(), runner, nil)

	_, err := d.Dispatch(context.Background(), Request{Content: "   "})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = d.Dispatch(context.Background(), Request{ConversationID: "missing", Content: "hi"})
	require.ErrorIs(t, err, ErrConversationNotFound)
	runner.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestDispatch_PersistenceFailureSubmitsNothing(t *testing.T) {
	runner := &mockRunner{}
	st := failingStore{MemoryStore: memory.New(), failJob: true}
	d, broker := newDispatcher(t, st, runner, nil)

	_, err := d.Dispatch(context.Background(), Request{Content: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "persist job")
	require.Zero(t, broker.Subscribers("id-3"))
	runner.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestDispatch_SubmitFailure(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	runner := &mockRunner{}
	runner.On("Submit", mock.Anything, mock.Anything).Return("", errors.New("temporal unavailable")).Once()

	d, broker := newDispatcher(t, mem, runner, nil)
	_, err := d.Dispatch(ctx, Request{Content: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "temporal unavailable")

	require.Eventually(t, func() bool { return broker.Subscribers("id-3") == 0 }, time.Second, 10*time.Millisecond)
	job, err := mem.GetJob(ctx, "id-3")
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, job.Status)
	require.NotEmpty(t, job.CompletedAt)
}

func TestTrimHistory(t *testing.T) {
	history := make([]cache.HistoryMessage, 15)
	for i := range history {
		history[i] = cache.HistoryMessage{Role: store.RoleUser, Content: string(rune('a' + i))}
	}
	trimmed := trimHistory(history)
	require.Len(t, trimmed, historyLimit)
	require.Equal(t, "f", trimmed[0].Content)
}

func TestPrepare_PersistsTurnWithoutJob(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	runner := &mockRunner{}
	d, _ := newDispatcher(t, mem, runner, nil)

	turn, err := d.Prepare(ctx, Request{
		Content:     "summarize this",
		Attachments: []Attachment{{Name: "notes.txt", ContentType: "text/plain", Text: "notes"}},
	})
	require.NoError(t, err)
	require.True(t, turn.NewConversation)
	require.Equal(t, "id-1", turn.Conversation.ID)
	require.Equal(t, "id-2", turn.UserMessage.ID)
	require.True(t, turn.UserMessage.HasFile)
	require.Equal(t, "text/plain", turn.UserMessage.FileType)
	require.Len(t, turn.History, 1)

	job, err := mem.GetJob(ctx, "id-3")
	require.NoError(t, err)
	require.Nil(t, job)
	runner.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestPrepare_NextTurnSeesPreviousUserMessage(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	history := &mapHistory{entries: map[string][]cache.HistoryMessage{}}
	d, _ := newDispatcher(t, mem, &mockRunner{}, history)

	first, err := d.Prepare(ctx, Request{Content: "first question"})
	require.NoError(t, err)

	second, err := d.Prepare(ctx, Request{ConversationID: first.Conversation.ID, Content: "follow up"})
	require.NoError(t, err)
	require.Equal(t, []cache.HistoryMessage{
		{Role: store.RoleUser, Content: "first question"},
		{Role: store.RoleUser, Content: "follow up"},
	}, second.History)
	require.Equal(t, second.History, history.entries[first.Conversation.ID])
}
