package workflows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/umeshrajanna/deepship-api/internal/jobs"
)

const (
	DefaultTaskQueue  = "deepship-jobs"
	DefaultJobTimeout = 30 * time.Minute
)

// Service submits jobs to Temporal and cancels them by handle. It is the
// API-side TaskRunner and Canceller.
type Service struct {
	client    client.Client
	taskQueue string
	timeout   time.Duration
}

func NewService(client client.Client, taskQueue string, timeout time.Duration) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Service{client: client, taskQueue: taskQueue, timeout: timeout}
}

func (s *Service) Submit(ctx context.Context, task jobs.Task) (string, error) {
	options := client.StartWorkflowOptions{
		ID:        workflowID(task.JobID),
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, options, JobWorkflow, JobInput{Task: task, Timeout: s.timeout})
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

func (s *Service) CancelJob(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return nil
	}
	return s.client.CancelWorkflow(ctx, handle, "")
}

func workflowID(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}
