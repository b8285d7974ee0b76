// Package cache holds the Redis-backed read-through caches used around the
// job pipeline: recent conversation history and scraped page bodies.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umeshrajanna/deepship-api/internal/metrics"
)

// HistoryMessage is one prior turn handed to the task runner as context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type HistoryCache interface {
	Get(ctx context.Context, conversationID string) ([]HistoryMessage, bool, error)
	Set(ctx context.Context, conversationID string, history []HistoryMessage) error
	Invalidate(ctx context.Context, conversationID string) error
}

func HistoryKey(conversationID string) string {
	return "conv:" + conversationID + ":history"
}

type RedisHistory struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisHistory(client redis.UniversalClient, ttl time.Duration) *RedisHistory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisHistory{client: client, ttl: ttl}
}

func (c *RedisHistory) Get(ctx context.Context, conversationID string) ([]HistoryMessage, bool, error) {
	data, err := c.client.Get(ctx, HistoryKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheRequest("history", "miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read history cache: %w", err)
	}
	var history []HistoryMessage
	if err := json.Unmarshal(data, &history); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.client.Del(ctx, HistoryKey(conversationID)).Err()
		metrics.IncCacheRequest("history", "miss")
		return nil, false, nil
	}
	metrics.IncCacheRequest("history", "hit")
	return history, true, nil
}

func (c *RedisHistory) Set(ctx context.Context, conversationID string, history []HistoryMessage) error {
	if history == nil {
		history = []HistoryMessage{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, HistoryKey(conversationID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("write history cache: %w", err)
	}
	return nil
}

func (c *RedisHistory) Invalidate(ctx context.Context, conversationID string) error {
	if err := c.client.Del(ctx, HistoryKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("invalidate history cache: %w", err)
	}
	return nil
}

// NoopHistory never hits; used when no Redis is configured.
type NoopHistory struct{}

func (NoopHistory) Get(context.Context, string) ([]HistoryMessage, bool, error) {
	return nil, false, nil
}

func (NoopHistory) Set(context.Context, string, []HistoryMessage) error { return nil }

func (NoopHistory) Invalidate(context.Context, string) error { return nil }

type ScrapeCache interface {
	Get(ctx context.Context, url string) (string, bool, error)
	Set(ctx context.Context, url string, body string) error
}

func ScrapeKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "scrape:" + hex.EncodeToString(sum[:])
}

type RedisScrape struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisScrape(client redis.UniversalClient, ttl time.Duration) *RedisScrape {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisScrape{client: client, ttl: ttl}
}

func (c *RedisScrape) Get(ctx context.Context, url string) (string, bool, error) {
	body, err := c.client.Get(ctx, ScrapeKey(url)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheRequest("scrape", "miss")
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read scrape cache: %w", err)
	}
	metrics.IncCacheRequest("scrape", "hit")
	return body, true, nil
}

func (c *RedisScrape) Set(ctx context.Context, url string, body string) error {
	if err := c.client.Set(ctx, ScrapeKey(url), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("write scrape cache: %w", err)
	}
	return nil
}

type NoopScrape struct{}

func (NoopScrape) Get(context.Context, string) (string, bool, error) { return "", false, nil }

func (NoopScrape) Set(context.Context, string, string) error { return nil }
