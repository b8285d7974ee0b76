package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-api/internal/config"
	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/registry"
	"github.com/umeshrajanna/deepship-api/internal/store"
	"github.com/umeshrajanna/deepship-api/internal/store/memory"
)

// scriptedRunner publishes a fixed list of events for every submitted task.
type scriptedRunner struct {
	channel events.Channel
	script  func(task jobs.Task) []events.Payload

	mu        sync.Mutex
	tasks     []jobs.Task
	cancelled []string
}

func (r *scriptedRunner) Submit(_ context.Context, task jobs.Task) (string, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	var payloads []events.Payload
	if r.script != nil {
		payloads = r.script(task)
	}
	go func() {
		for _, payload := range payloads {
			event, err := events.New(payload)
			if err != nil {
				return
			}
			_ = r.channel.Publish(context.Background(), task.JobID, event)
		}
	}()
	return "job:" + task.JobID, nil
}

func (r *scriptedRunner) CancelJob(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, handle)
	return nil
}

func (r *scriptedRunner) submitted() []jobs.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Task(nil), r.tasks...)
}

func (r *scriptedRunner) cancelledHandles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

type testEnv struct {
	store    *memory.MemoryStore
	broker   *events.Broker
	runner   *scriptedRunner
	registry *registry.Registry
	server   *Server
	http     *httptest.Server
}

type envOption func(*Deps)

func withLLM(provider llm.Provider) envOption {
	return func(d *Deps) { d.LLM = provider }
}

func withConfig(cfg config.Config) envOption {
	return func(d *Deps) { d.Config = cfg }
}

func withQuota(limiter quota.Limiter) envOption {
	return func(d *Deps) { d.Quota = limiter }
}

func withStore(st store.Store) envOption {
	return func(d *Deps) { d.Store = st }
}

func newTestEnv(t *testing.T, script func(jobs.Task) []events.Payload, opts ...envOption) *testEnv {
	t.Helper()
	mem := memory.New()
	broker := events.NewBroker()
	runner := &scriptedRunner{channel: broker, script: script}
	reg := registry.New(broker, registry.Config{SendTimeout: time.Second, Grace: 20 * time.Millisecond}, zerolog.Nop())

	deps := Deps{
		Store:     mem,
		Canceller: runner,
		Registry:  reg,
		Channel:   broker,
		Config:    config.Config{JobTimeout: 5 * time.Second, WSControlRate: 100},
		Log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	deps.Dispatcher = jobs.NewDispatcher(deps.Store, broker, runner, nil, zerolog.Nop())

	server := NewServer(deps)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Drain(ctx)
	})
	return &testEnv{store: mem, broker: broker, runner: runner, registry: reg, server: server, http: ts}
}

func readNDJSON(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func lineTypes(lines []map[string]any) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		kind, _ := line["type"].(string)
		out = append(out, kind)
	}
	return out
}

func assistantMessages(t *testing.T, st store.Store, conversationID string) []store.Message {
	t.Helper()
	messages, err := st.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	var out []store.Message
	for _, message := range messages {
		if message.Role == store.RoleAssistant {
			out = append(out, message)
		}
	}
	return out
}
