package infrastructure

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var _ events.Subscriber = (*KafkaEventSubscriber)(nil)

const (
	KafkaPartitionKey = "kafka_partition"
	KafkaOffsetKey    = "kafka_offset"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventSubscriber runs one consumer-group reader per topic. A message
// is committed once its handler succeeds or its retries are exhausted.
type KafkaEventSubscriber struct {
	config     KafkaConfig
	logger     *logger.Logger
	newReader  func(topic string) messageReader
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	readers []messageReader
}

func NewKafkaEventSubscriber(config KafkaConfig, log *logger.Logger) (*KafkaEventSubscriber, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if config.GroupID == "" {
		return nil, errors.New("Kafka consumer group is required")
	}

	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.Brokers,
			GroupID:  config.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
	}

	return newKafkaEventSubscriber(config, log, newReader), nil
}

func newKafkaEventSubscriber(config KafkaConfig, log *logger.Logger, newReader func(topic string) messageReader) *KafkaEventSubscriber {
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaEventSubscriber{
		config:     config,
		logger:     log,
		newReader:  newReader,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}
}

// Subscribe starts the readers and returns. Kafka has no wildcard
// subscriptions, so every topic must be concrete.
func (s *KafkaEventSubscriber) Subscribe(ctx context.Context, topics []events.Topic, handler events.EventHandler) error {
	if len(topics) == 0 {
		return errors.Wrap(events.ErrInvalidTopic, "at least one topic is required")
	}
	for _, topic := range topics {
		if strings.Contains(topic.String(), "#") {
			return errors.Wrapf(events.ErrInvalidTopic, "wildcard topic %q is not supported by Kafka", topic)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSubscriberRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = group

	for _, topic := range topics {
		reader := s.newReader(s.config.topicName(topic))
		s.readers = append(s.readers, reader)
		group.Go(func() error {
			return s.consume(ctx, reader, handler)
		})
	}

	return nil
}

func (s *KafkaEventSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	for _, reader := range s.readers {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to close Kafka reader")
		}
	}

	s.cancel = nil
	s.group = nil
	s.readers = nil

	return err
}

func (s *KafkaEventSubscriber) consume(ctx context.Context, reader messageReader, handler events.EventHandler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "failed to fetch Kafka message")
		}

		event, err := decodeKafkaMessage(msg)
		if err != nil {
			s.logger.Error(s.logger.WithField(ctx, "kafka_topic", msg.Topic), "dropping malformed Kafka message", err)
		} else {
			s.handle(ctx, handler, event)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "failed to commit Kafka message")
		}
	}
}

func (s *KafkaEventSubscriber) handle(ctx context.Context, handler events.EventHandler, event *events.Event) {
	logCtx := s.logger.WithFields(ctx, map[string]any{
		"topic":    event.Topic.String(),
		"event_id": event.ID.String(),
	})

	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			sleep(ctx, s.retryDelay)
		}
		if err = handler.Handle(ctx, event); err == nil || ctx.Err() != nil {
			break
		}
		s.logger.Warn(logCtx, "Kafka message handling failed", err)
	}

	result := "success"
	if err != nil {
		result = "failure"
		s.logger.Error(logCtx, "giving up on Kafka message", err)
	}
	telemetry.RecordCounter(ctx, "kafka_consumed_events_total", "Events consumed from Kafka", 1,
		attribute.String("topic", event.Topic.String()),
		attribute.String("result", result),
	)
}

func decodeKafkaMessage(msg kafka.Message) (*events.Event, error) {
	event, err := events.FromJSON(msg.Value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode event envelope")
	}

	for _, header := range msg.Headers {
		switch header.Key {
		case TopicAttribute:
			if event.Topic == "" {
				event.Topic = events.Topic(header.Value)
			}
		case headerEventID, headerCorrelationID:
		default:
			event.Metadata.Set(header.Key, string(header.Value))
		}
	}
	if event.Topic == "" {
		return nil, errors.Wrap(events.ErrInvalidTopic, "message has no topic")
	}

	event.Metadata.Set(KafkaPartitionKey, strconv.Itoa(msg.Partition))
	event.Metadata.Set(KafkaOffsetKey, strconv.FormatInt(msg.Offset, 10))

	return event, nil
}
