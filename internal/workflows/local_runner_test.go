package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/research"
)

func blockingPipeline() research.Pipeline {
	return pipelineFunc(func(ctx context.Context, task jobs.Task, emit research.Emit) (events.Complete, error) {
		if err := emit(events.Reasoning{Text: "working"}); err != nil {
			return events.Complete{}, err
		}
		<-ctx.Done()
		return events.Complete{}, ctx.Err()
	})
}

func TestLocalRunner_RunsToCompletion(t *testing.T) {
	broker := events.NewBroker()
	sub := subscribe(t, broker, "job-1")
	acts := NewJobActivities(broker, staticSelector{pipeline: pipelineFunc(func(ctx context.Context, task jobs.Task, emit research.Emit) (events.Complete, error) {
		if err := emit(events.Content{Text: "answer"}); err != nil {
			return events.Complete{}, err
		}
		return events.Complete{Content: "answer"}, nil
	})}, zerolog.Nop())
	runner := NewLocalRunner(acts, time.Minute)

	handle, err := runner.Submit(context.Background(), jobs.Task{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, "job:job-1", handle)

	got := collect(t, sub, time.Second)
	require.Equal(t, []events.Kind{events.KindContent, events.KindComplete}, kinds(got))
	require.Eventually(t, func() bool { return runner.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalRunner_CancelJob(t *testing.T) {
	broker := events.NewBroker()
	sub := subscribe(t, broker, "job-2")
	runner := NewLocalRunner(NewJobActivities(broker, staticSelector{pipeline: blockingPipeline()}, zerolog.Nop()), time.Minute)

	handle, err := runner.Submit(context.Background(), jobs.Task{JobID: "job-2"})
	require.NoError(t, err)
	_, err = runner.Submit(context.Background(), jobs.Task{JobID: "job-2"})
	require.Error(t, err)

	first := <-sub.Events()
	require.Equal(t, events.KindReasoning, first.Kind())

	require.NoError(t, runner.CancelJob(context.Background(), handle))
	require.NoError(t, runner.CancelJob(context.Background(), handle))
	require.NoError(t, runner.CancelJob(context.Background(), "job:unknown"))
	require.Eventually(t, func() bool { return runner.Running() == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, collect(t, sub, 50*time.Millisecond))
}

func TestLocalRunner_TimeoutPublishesFailure(t *testing.T) {
	broker := events.NewBroker()
	sub := subscribe(t, broker, "job-3")
	runner := NewLocalRunner(NewJobActivities(broker, staticSelector{pipeline: blockingPipeline()}, zerolog.Nop()), 20*time.Millisecond)

	_, err := runner.Submit(context.Background(), jobs.Task{JobID: "job-3"})
	require.NoError(t, err)

	got := collect(t, sub, time.Second)
	require.Equal(t, []events.Kind{events.KindReasoning, events.KindError}, kinds(got))
	require.Equal(t, research.UserMessage(context.DeadlineExceeded), got[1].Payload.(events.Failure).Message)
}

func TestLocalRunner_Shutdown(t *testing.T) {
	runner := NewLocalRunner(NewJobActivities(events.NewBroker(), staticSelector{pipeline: blockingPipeline()}, zerolog.Nop()), time.Minute)
	_, err := runner.Submit(context.Background(), jobs.Task{JobID: "job-4"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
	require.Zero(t, runner.Running())

	_, err = runner.Submit(context.Background(), jobs.Task{JobID: "job-5"})
	require.ErrorIs(t, err, ErrRunnerClosed)
}
