package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

type createJobResponse struct {
	JobID          string `json:"job_id"`
	ConversationID string `json:"conversation_id"`
	Mode           string `json:"mode"`
}

func createJob(t *testing.T, env *testEnv, body map[string]any) createJobResponse {
	t.Helper()
	resp := postJSON(t, env.http.URL+"/jobs", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out createJobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func jobStatus(t *testing.T, env *testEnv, jobID string) string {
	t.Helper()
	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	if job == nil {
		return ""
	}
	return job.Status
}

func TestCreateJob_RelaysInBackground(t *testing.T) {
	env := newTestEnv(t, happyScript)

	created := createJob(t, env, map[string]any{"content": "What is Go?", "deep_search": true})
	require.NotEmpty(t, created.JobID)
	require.Equal(t, "deep_search", created.Mode)

	require.Eventually(t, func() bool {
		return jobStatus(t, env, created.JobID) == store.JobComplete
	}, 2*time.Second, 10*time.Millisecond)

	assistant := assistantMessages(t, env.store, created.ConversationID)
	require.Len(t, assistant, 1)
	require.Equal(t, "Hello world", assistant[0].Content)

	resp, err := http.Get(env.http.URL + "/jobs/" + created.JobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.Equal(t, store.JobComplete, job.Status)
	require.Equal(t, assistant[0].ID, job.MessageID)
	require.Equal(t, "job:"+created.JobID, job.TaskID)
}

func TestCreateJob_AnonymousDailyLimit(t *testing.T) {
	env := newTestEnv(t, happyScript, withQuota(quota.NewMemory(1)))

	createJob(t, env, map[string]any{"content": "first", "anonymous": true, "deep_search": true})

	resp := postJSON(t, env.http.URL+"/jobs", map[string]any{"content": "second", "anonymous": true, "deep_search": true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, true, body["limit_reached"])
	require.Len(t, env.runner.submitted(), 1)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.http.URL + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, func(jobs.Task) []events.Payload {
		return []events.Payload{events.Reasoning{Text: "Analyzing your request..."}}
	})

	created := createJob(t, env, map[string]any{"content": "long question", "deep_search": true})
	require.Eventually(t, func() bool {
		return jobStatus(t, env, created.JobID) == store.JobRunning
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(env.http.URL+"/jobs/"+created.JobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{"job:" + created.JobID}, env.runner.cancelledHandles())

	require.Eventually(t, func() bool {
		return jobStatus(t, env, created.JobID) == store.JobFailed
	}, 2*time.Second, 10*time.Millisecond)
	assistant := assistantMessages(t, env.store, created.ConversationID)
	require.Len(t, assistant, 1)
	require.Equal(t, "Error: "+cancelledMessage, assistant[0].Content)

	resp, err = http.Post(env.http.URL+"/jobs/"+created.JobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(env.http.URL+"/jobs/missing/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
