package workflows

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/research"
)

const heartbeatInterval = 10 * time.Second

type PipelineSelector interface {
	For(mode jobs.Mode) research.Pipeline
}

type RunJobResult struct {
	Status string
}

// JobActivities executes jobs on the worker side and is the only publisher
// to a job's channel.
type JobActivities struct {
	channel   events.Channel
	pipelines PipelineSelector
	log       zerolog.Logger
}

func NewJobActivities(channel events.Channel, pipelines PipelineSelector, log zerolog.Logger) *JobActivities {
	return &JobActivities{
		channel:   channel,
		pipelines: pipelines,
		log:       log.With().Str("component", "job_activities").Logger(),
	}
}

// RunJob runs the pipeline for the task's mode and publishes exactly one
// terminal event. It only fails when that terminal event could not be
// published, or when the job was cancelled or timed out.
func (a *JobActivities) RunJob(ctx context.Context, task jobs.Task) (RunJobResult, error) {
	return a.run(ctx, task, func(ctx context.Context) { activity.RecordHeartbeat(ctx) })
}

func (a *JobActivities) PublishJobFailure(ctx context.Context, input JobFailureInput) error {
	if strings.TrimSpace(input.JobID) == "" {
		return errors.New("job_id required")
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = research.UserMessage(errors.New("unknown"))
	}
	event, err := events.New(events.Failure{Message: message})
	if err != nil {
		return err
	}
	return a.channel.Publish(ctx, input.JobID, event)
}

func (a *JobActivities) run(ctx context.Context, task jobs.Task, heartbeat func(context.Context)) (result RunJobResult, err error) {
	log := a.log.With().Str("job_id", task.JobID).Str("mode", task.Mode.Name()).Logger()
	emitter := events.NewEmitter(a.channel, task.JobID)

	stop := startHeartbeat(ctx, heartbeat)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			result, err = a.finish(ctx, log, emitter, events.Complete{}, fmt.Errorf("panic: %v", r))
		}
	}()

	started := time.Now()
	log.Info().Msg("job started")
	complete, runErr := a.pipelines.For(task.Mode).Run(ctx, task, func(payload events.Payload) error {
		if payload.Kind().Terminal() {
			return fmt.Errorf("pipeline emitted terminal event %s", payload.Kind())
		}
		if err := emitter.Emit(ctx, payload); err != nil {
			return err
		}
		heartbeat(ctx)
		return nil
	})
	result, err = a.finish(ctx, log, emitter, complete, runErr)
	log.Info().Str("status", result.Status).Dur("elapsed", time.Since(started)).Msg("job finished")
	return result, err
}

func (a *JobActivities) finish(ctx context.Context, log zerolog.Logger, emitter *events.Emitter, complete events.Complete, runErr error) (RunJobResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancellation or timeout: the workflow decides what to publish.
		return RunJobResult{Status: StatusCancelled}, ctxErr
	}
	if emitter.Closed() {
		return RunJobResult{Status: StatusComplete}, nil
	}

	status := StatusComplete
	var payload events.Payload = complete
	if runErr != nil {
		log.Error().Err(runErr).Msg("job failed")
		status = StatusFailed
		payload = events.Failure{Message: research.UserMessage(runErr)}
	}
	if err := emitter.Emit(ctx, payload); err != nil {
		log.Error().Err(err).Msg("publish terminal event")
		return RunJobResult{Status: StatusFailed}, fmt.Errorf("publish terminal event: %w", err)
	}
	return RunJobResult{Status: status}, nil
}

// startHeartbeat keeps the activity alive while a pipeline step blocks
// without emitting.
func startHeartbeat(ctx context.Context, heartbeat func(context.Context)) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				heartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
