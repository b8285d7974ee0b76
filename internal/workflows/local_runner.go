package workflows

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/research"
)

// LocalRunner executes jobs in-process. It implements the same TaskRunner and
// Canceller contracts as Service for single-binary deployments.
type LocalRunner struct {
	activities *JobActivities
	timeout    time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewLocalRunner(activities *JobActivities, timeout time.Duration) *LocalRunner {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &LocalRunner{
		activities: activities,
		timeout:    timeout,
		running:    map[string]context.CancelFunc{},
	}
}

var ErrRunnerClosed = errors.New("local runner closed")

func (r *LocalRunner) Submit(_ context.Context, task jobs.Task) (string, error) {
	handle := workflowID(task.JobID)
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrRunnerClosed
	}
	if _, exists := r.running[handle]; exists {
		r.mu.Unlock()
		cancel()
		return "", errors.New("job already running")
	}
	r.running[handle] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.forget(handle)
		defer cancel()

		_, err := r.activities.run(ctx, task, func(context.Context) {})
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			failure := JobFailureInput{JobID: task.JobID, Message: research.UserMessage(context.DeadlineExceeded)}
			_ = r.activities.PublishJobFailure(context.Background(), failure)
		} else if err != nil && ctx.Err() == nil {
			failure := JobFailureInput{JobID: task.JobID, Message: research.UserMessage(err)}
			_ = r.activities.PublishJobFailure(context.Background(), failure)
		}
	}()
	return handle, nil
}

// CancelJob stops a running job. Unknown or finished handles are ignored.
func (r *LocalRunner) CancelJob(_ context.Context, handle string) error {
	r.mu.Lock()
	cancel, ok := r.running[handle]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (r *LocalRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown cancels every running job and waits for them to return.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *LocalRunner) forget(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, handle)
}
