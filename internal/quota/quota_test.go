package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_DeniesAfterLimit(t *testing.T) {
	ctx := context.Background()
	l := NewMemory(2)

	ok, remaining, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, remaining)

	ok, remaining, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, remaining)

	ok, remaining, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, remaining)

	ok, _, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_ResetsOnNewDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	l := NewMemory(1)
	l.now = func() time.Time { return now }

	ok, _, _ := l.Allow(ctx, "ip")
	require.True(t, ok)
	ok, _, _ = l.Allow(ctx, "ip")
	require.False(t, ok)

	now = now.Add(2 * time.Hour)
	ok, _, _ = l.Allow(ctx, "ip")
	require.True(t, ok)
}

func TestMemory_NonPositiveLimitDisables(t *testing.T) {
	l := NewMemory(0)
	for i := 0; i < 5; i++ {
		ok, _, err := l.Allow(context.Background(), "ip")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestKey_UsesUTCDay(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "quota:anon:2026-03-01:1.2.3.4", Key(day, "1.2.3.4"))
}
