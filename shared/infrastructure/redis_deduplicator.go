package infrastructure

import (
	"context"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

const (
	dedupeNamespace  = "coffeehut"
	defaultDedupeTTL = 24 * time.Hour
)

// RedisConfig locates the Redis server used for event deduplication
type RedisConfig struct {
	URL      string
	Address  string
	Password string
	DB       int
}

type dedupeStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects and pings Redis
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing redis url")
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	default:
		return nil, errors.New("redis url or address is required")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// RedisDeduplicator drops events that a handler already accepted. The event
// ID is claimed with SET NX before the handler runs and released again when
// the handler fails, so redelivered events are retried but duplicates of a
// handled event are skipped.
type RedisDeduplicator struct {
	store  dedupeStore
	ttl    time.Duration
	logger *logger.Logger
}

func NewRedisDeduplicator(store dedupeStore, ttl time.Duration, log *logger.Logger) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisDeduplicator{store: store, ttl: ttl, logger: log}
}

func dedupeKey(scope string, event *events.Event) string {
	return dedupeNamespace + ":dedupe:" + scope + ":" + event.ID.String()
}

// Wrap returns a handler that runs next at most once per event ID within
// scope.
func (d *RedisDeduplicator) Wrap(scope string, next events.EventHandler) events.EventHandler {
	return events.EventHandlerFunc(func(ctx context.Context, event *events.Event) error {
		key := dedupeKey(scope, event)

		claimed, err := d.store.SetNX(ctx, key, event.Topic.String(), d.ttl).Result()
		if err != nil {
			return errors.Wrap(err, "claim event")
		}
		if !claimed {
			telemetry.RecordCounter(ctx, "duplicate_events_total", "Redelivered events skipped", 1,
				attribute.String("scope", scope),
				attribute.String("topic", event.Topic.String()),
			)
			d.logger.Debug(d.logger.WithField(ctx, "event_id", event.ID.String()), "skipping duplicate event")
			return nil
		}

		if err := next.Handle(ctx, event); err != nil {
			if delErr := d.store.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
				d.logger.Error(ctx, "failed to release event claim", delErr)
			}
			return err
		}
		return nil
	})
}
