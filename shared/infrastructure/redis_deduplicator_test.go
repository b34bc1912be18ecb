package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisDeduplicator_Wrap(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate is skipped", func(t *testing.T) {
		server, client := newTestRedis(t)
		calls := 0
		handler := NewRedisDeduplicator(client, time.Hour, nil).Wrap("confirm-order", events.EventHandlerFunc(func(context.Context, *events.Event) error {
			calls++
			return nil
		}))

		event := events.NewEvent("p1", events.PaymentCompletedTopic, nil)
		require.NoError(t, handler.Handle(ctx, event))
		require.NoError(t, handler.Handle(ctx, event.Clone()))
		assert.Equal(t, 1, calls)

		key := dedupeKey("confirm-order", event)
		assert.True(t, server.Exists(key))
		assert.Equal(t, time.Hour, server.TTL(key))

		server.FastForward(2 * time.Hour)
		require.NoError(t, handler.Handle(ctx, event))
		assert.Equal(t, 2, calls)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		_, client := newTestRedis(t)
		dedupe := NewRedisDeduplicator(client, 0, nil)
		calls := map[string]int{}
		count := func(name string) events.EventHandler {
			return events.EventHandlerFunc(func(context.Context, *events.Event) error {
				calls[name]++
				return nil
			})
		}

		event := events.NewEvent("p1", events.PaymentFailedTopic, nil)
		require.NoError(t, dedupe.Wrap("cancel-order", count("cancel")).Handle(ctx, event))
		require.NoError(t, dedupe.Wrap("audit", count("audit")).Handle(ctx, event))
		assert.Equal(t, map[string]int{"cancel": 1, "audit": 1}, calls)
	})

	t.Run("failed handler releases the claim", func(t *testing.T) {
		server, client := newTestRedis(t)
		attempts := 0
		handler := NewRedisDeduplicator(client, time.Hour, nil).Wrap("refund-payment", events.EventHandlerFunc(func(context.Context, *events.Event) error {
			attempts++
			if attempts == 1 {
				return errors.New("payment store unavailable")
			}
			return nil
		}))

		event := events.NewEvent("o1", events.OrderCancelledTopic, nil)
		assert.Error(t, handler.Handle(ctx, event))
		assert.False(t, server.Exists(dedupeKey("refund-payment", event)))

		require.NoError(t, handler.Handle(ctx, event))
		assert.Equal(t, 2, attempts)
	})

	t.Run("redis unavailable", func(t *testing.T) {
		server, client := newTestRedis(t)
		server.Close()

		handler := NewRedisDeduplicator(client, time.Hour, nil).Wrap("take-order", events.EventHandlerFunc(func(context.Context, *events.Event) error {
			t.Fatal("handler must not run without a claim")
			return nil
		}))
		assert.Error(t, handler.Handle(ctx, events.NewEvent("", events.OrderRequestTopic, nil)))
	})
}

func TestNewRedisClient(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{URL: "redis://" + server.Addr() + "/0"})
	require.NoError(t, err)
	_ = client.Close()

	_, err = NewRedisClient(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
