// Package quota enforces the per-client daily message allowance for
// anonymous users.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitReachedMessage is the in-band error text sent when the allowance is spent.
const LimitReachedMessage = "Daily message limit reached for anonymous users"

// Limiter counts one use against key and reports whether it fits today's allowance.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
}

func Key(day time.Time, key string) string {
	return "quota:anon:" + day.UTC().Format("2006-01-02") + ":" + key
}

type Redis struct {
	client redis.UniversalClient
	limit  int
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, limit int) *Redis {
	return &Redis{client: client, limit: limit, now: time.Now}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, int, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	k := Key(l.now(), key)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("count anonymous usage: %w", err)
	}
	return verdict(int(incr.Val()), l.limit)
}

// Memory keeps counters in process; entries from earlier days are dropped on rollover.
type Memory struct {
	mu     sync.Mutex
	limit  int
	day    string
	counts map[string]int
	now    func() time.Time
}

func NewMemory(limit int) *Memory {
	return &Memory{limit: limit, counts: make(map[string]int), now: time.Now}
}

func (l *Memory) Allow(_ context.Context, key string) (bool, int, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	day := l.now().UTC().Format("2006-01-02")
	l.mu.Lock()
	defer l.mu.Unlock()
	if day != l.day {
		l.day = day
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return verdict(l.counts[key], l.limit)
}

func verdict(used, limit int) (bool, int, error) {
	if used > limit {
		return false, 0, nil
	}
	return true, limit - used, nil
}
