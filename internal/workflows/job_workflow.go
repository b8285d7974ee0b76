package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/research"
)

const (
	RunJobActivityName            = "RunJob"
	PublishJobFailureActivityName = "PublishJobFailure"

	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type JobInput struct {
	Task    jobs.Task
	Timeout time.Duration
}

type JobResult struct {
	Status string
}

type JobFailureInput struct {
	JobID   string
	Message string
}

func JobWorkflow(ctx workflow.Context, input JobInput) (JobResult, error) {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	runCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	logger := workflow.GetLogger(ctx)

	var result RunJobResult
	err := workflow.ExecuteActivity(runCtx, RunJobActivityName, input.Task).Get(runCtx, &result)
	if err == nil {
		return JobResult{Status: result.Status}, nil
	}
	if ctx.Err() != nil || temporal.IsCanceledError(err) {
		logger.Info("job cancelled", "job_id", input.Task.JobID)
		return JobResult{Status: StatusCancelled}, nil
	}

	logger.Error("job activity failed", "job_id", input.Task.JobID, "error", err)
	failureCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	failure := JobFailureInput{JobID: input.Task.JobID, Message: failureMessage(err)}
	if failureErr := workflow.ExecuteActivity(failureCtx, PublishJobFailureActivityName, failure).Get(failureCtx, nil); failureErr != nil {
		logger.Error("failed to publish job failure event", "job_id", input.Task.JobID, "error", failureErr)
	}
	return JobResult{Status: StatusFailed}, nil
}

func failureMessage(err error) string {
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return research.UserMessage(context.DeadlineExceeded)
	}
	return research.UserMessage(err)
}
