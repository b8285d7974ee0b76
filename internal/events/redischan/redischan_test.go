package redischan

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/events"
)

func TestChannelName(t *testing.T) {
	if got := ChannelName("abc"); got != "job:abc" {
		t.Fatalf("ChannelName = %q, want %q", got, "job:abc")
	}
}

func TestDial_InvalidURL(t *testing.T) {
	if _, err := Dial(context.Background(), "://not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestPublish_RejectsEmptyEvent(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	ch := New(client, zerolog.Nop())
	if err := ch.Publish(context.Background(), "job-1", events.Event{}); !errors.Is(err, events.ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}
