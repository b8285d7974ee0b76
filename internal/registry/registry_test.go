package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/umeshrajanna/deepship-api/internal/events"
)

type fakeConn struct {
	mu    sync.Mutex
	sent  [][]byte
	fail  bool
	block bool
}

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.fail {
		return errors.New("connection reset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func publish(t *testing.T, broker *events.Broker, jobID string, payload events.Payload) {
	t.Helper()
	event, err := events.New(payload)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), jobID, event))
}

func newRegistry(broker *events.Broker, grace time.Duration) *Registry {
	return New(broker, Config{SendTimeout: 50 * time.Millisecond, Grace: grace}, zerolog.Nop())
}

func TestConnect_SharesOneSubscriptionPerJob(t *testing.T) {
	broker := events.NewBroker()
	reg := newRegistry(broker, time.Minute)
	t.Cleanup(reg.Close)
	ctx := context.Background()

	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	require.NoError(t, reg.Connect(ctx, a, "job-1"))
	require.NoError(t, reg.Connect(ctx, b, "job-1"))
	require.NoError(t, reg.Connect(ctx, c, "job-2"))

	require.Equal(t, 2, reg.Listeners())
	require.Equal(t, 2, reg.Connections("job-1"))
	require.Equal(t, 1, broker.Subscribers("job-1"))
	require.Equal(t, 1, broker.Subscribers("job-2"))

	reg.Disconnect(a, "job-1")
	require.Equal(t, 2, reg.Listeners())
	reg.Disconnect(b, "job-1")
	require.Equal(t, 1, reg.Listeners())
	require.Eventually(t, func() bool { return broker.Subscribers("job-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnect_RequiresJobID(t *testing.T) {
	reg := newRegistry(events.NewBroker(), time.Minute)
	require.Error(t, reg.Connect(context.Background(), &fakeConn{}, ""))
	require.Zero(t, reg.Listeners())
}

func TestFanOut_IsolatesFailingConnections(t *testing.T) {
	broker := events.NewBroker()
	reg := newRegistry(broker, time.Minute)
	t.Cleanup(reg.Close)
	ctx := context.Background()

	good1, bad, good2 := &fakeConn{}, &fakeConn{fail: true}, &fakeConn{}
	for _, conn := range []*fakeConn{good1, bad, good2} {
		require.NoError(t, reg.Connect(ctx, conn, "job-1"))
	}

	publish(t, broker, "job-1", events.Content{Text: "one"})
	require.Eventually(t, func() bool {
		return good1.count() == 1 && good2.count() == 1 && reg.Connections("job-1") == 2
	}, time.Second, 5*time.Millisecond)

	publish(t, broker, "job-1", events.Content{Text: "two"})
	require.Eventually(t, func() bool {
		return good1.count() == 2 && good2.count() == 2
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, bad.count())
}

func TestFanOut_SlowConnectionTimesOut(t *testing.T) {
	broker := events.NewBroker()
	reg := newRegistry(broker, time.Minute)
	t.Cleanup(reg.Close)
	ctx := context.Background()

	slow, fast := &fakeConn{block: true}, &fakeConn{}
	require.NoError(t, reg.Connect(ctx, slow, "job-1"))
	require.NoError(t, reg.Connect(ctx, fast, "job-1"))

	publish(t, broker, "job-1", events.Content{Text: "hello"})
	require.Eventually(t, func() bool {
		return fast.count() == 1 && reg.Connections("job-1") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestListener_StopsAfterTerminalGrace(t *testing.T) {
	broker := events.NewBroker()
	reg := newRegistry(broker, 20*time.Millisecond)
	t.Cleanup(reg.Close)
	ctx := context.Background()

	conn := &fakeConn{}
	require.NoError(t, reg.Connect(ctx, conn, "job-1"))
	publish(t, broker, "job-1", events.Content{Text: "partial"})
	publish(t, broker, "job-1", events.Complete{Content: "partial"})

	require.Eventually(t, func() bool {
		return reg.Listeners() == 0 && broker.Subscribers("job-1") == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, conn.count())
	require.Equal(t, 1, reg.Connections("job-1"))

	// A later subscribe for the same job starts a fresh listener.
	other := &fakeConn{}
	require.NoError(t, reg.Connect(ctx, other, "job-1"))
	require.Equal(t, 1, reg.Listeners())
	publish(t, broker, "job-1", events.Content{Text: "again"})
	require.Eventually(t, func() bool { return other.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClose_StopsAllListeners(t *testing.T) {
	broker := events.NewBroker()
	reg := newRegistry(broker, time.Minute)
	ctx := context.Background()
	require.NoError(t, reg.Connect(ctx, &fakeConn{}, "job-1"))
	require.NoError(t, reg.Connect(ctx, &fakeConn{}, "job-2"))

	reg.Close()

	require.Zero(t, reg.Listeners())
	require.Zero(t, reg.Connections("job-1"))
	require.Zero(t, broker.Subscribers("job-1"))
	require.Zero(t, broker.Subscribers("job-2"))
}

type gatedChannel struct {
	*events.Broker
	gatedJob string
	entered  chan struct{}
	gate     chan struct{}
	err      error
}

func (c *gatedChannel) Subscribe(ctx context.Context, jobID string) (events.Subscription, error) {
	if jobID == c.gatedJob {
		c.entered <- struct{}{}
		<-c.gate
		if c.err != nil {
			return nil, c.err
		}
	}
	return c.Broker.Subscribe(ctx, jobID)
}

func newGatedChannel(job string, err error) *gatedChannel {
	return &gatedChannel{
		Broker:   events.NewBroker(),
		gatedJob: job,
		entered:  make(chan struct{}, 1),
		gate:     make(chan struct{}),
		err:      err,
	}
}

func TestConnect_SlowSubscribeDoesNotBlockOtherJobs(t *testing.T) {
	channel := newGatedChannel("slow", nil)
	reg := New(channel, Config{SendTimeout: 50 * time.Millisecond, Grace: time.Minute}, zerolog.Nop())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	fast, other := &fakeConn{}, &fakeConn{}
	require.NoError(t, reg.Connect(ctx, fast, "fast"))
	require.NoError(t, reg.Connect(ctx, other, "other"))

	first, second := &fakeConn{}, &fakeConn{}
	results := make(chan error, 2)
	go func() { results <- reg.Connect(ctx, first, "slow") }()
	<-channel.entered
	go func() { results <- reg.Connect(ctx, second, "slow") }()

	publish(t, channel.Broker, "fast", events.Content{Text: "hi"})
	require.Eventually(t, func() bool { return fast.count() == 1 }, time.Second, 5*time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		reg.Disconnect(other, "other")
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnect waited on another job's subscribe")
	}

	close(channel.gate)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	require.Equal(t, 2, reg.Connections("slow"))
	require.Equal(t, 1, channel.Subscribers("slow"))

	publish(t, channel.Broker, "slow", events.Content{Text: "late"})
	require.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnect_SubscribeFailureRejectsWaiters(t *testing.T) {
	channel := newGatedChannel("job-1", errors.New("redis down"))
	reg := New(channel, Config{Grace: time.Minute}, zerolog.Nop())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	results := make(chan error, 2)
	go func() { results <- reg.Connect(ctx, &fakeConn{}, "job-1") }()
	<-channel.entered
	go func() { results <- reg.Connect(ctx, &fakeConn{}, "job-1") }()
	require.Eventually(t, func() bool { return reg.Connections("job-1") == 2 }, time.Second, 5*time.Millisecond)

	close(channel.gate)
	require.ErrorContains(t, <-results, "redis down")
	require.ErrorContains(t, <-results, "redis down")
	require.Zero(t, reg.Listeners())
	require.Zero(t, reg.Connections("job-1"))
}
