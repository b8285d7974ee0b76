package redischan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
)

const channelPrefix = "job:"

// ChannelName is the Redis Pub/Sub channel carrying events for one job.
func ChannelName(jobID string) string {
	return channelPrefix + jobID
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Channel implements events.Channel over Redis Pub/Sub.
type Channel struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

func New(client redis.UniversalClient, log zerolog.Logger) *Channel {
	return &Channel{
		client: client,
		log:    log.With().Str("component", "redischan").Logger(),
	}
}

func (c *Channel) Publish(ctx context.Context, jobID string, event events.Event) error {
	if len(event.Raw()) == 0 {
		return events.ErrMissingType
	}
	if err := c.client.Publish(ctx, ChannelName(jobID), event.Raw()).Err(); err != nil {
		metrics.IncPublishFailure("redis")
		return fmt.Errorf("redis publish %s: %w", ChannelName(jobID), err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are delivered.
func (c *Channel) Subscribe(ctx context.Context, jobID string) (events.Subscription, error) {
	pubsub := c.client.Subscribe(ctx, ChannelName(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", ChannelName(jobID), err)
	}

	sub := &subscription{
		jobID:  jobID,
		pubsub: pubsub,
		box:    events.NewMailbox(),
		log:    c.log.With().Str("job_id", jobID).Logger(),
	}
	go sub.pump(pubsub.Channel(redis.WithChannelSize(256)))
	return sub, nil
}

func (c *Channel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type subscription struct {
	jobID  string
	pubsub *redis.PubSub
	box    *events.Mailbox
	log    zerolog.Logger

	once sync.Once
	err  error
}

func (s *subscription) Events() <-chan events.Event {
	return s.box.Events()
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		s.box.Close()
	})
	return s.err
}

func (s *subscription) pump(messages <-chan *redis.Message) {
	defer s.box.Close()
	for msg := range messages {
		if msg == nil {
			continue
		}
		event, err := events.Decode([]byte(msg.Payload))
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed job event")
			continue
		}
		if !s.box.Push(event) {
			return
		}
	}
}
