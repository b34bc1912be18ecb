package infrastructure

import (
	"context"
	"strings"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

var _ events.Publisher = (*KafkaEventPublisher)(nil)

const (
	headerEventID       = "event_id"
	headerCorrelationID = "correlation_id"
)

// KafkaConfig holds broker addresses and the consumer group
type KafkaConfig struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string
}

func (c KafkaConfig) topicName(topic events.Topic) string {
	return c.TopicPrefix + topic.String()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher writes every event to the Kafka topic named after its
// event topic. Messages are keyed by aggregate ID so events of one order or
// payment stay in a single partition.
type KafkaEventPublisher struct {
	writer messageWriter
	config KafkaConfig
}

func NewKafkaEventPublisher(config KafkaConfig) (*KafkaEventPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newKafkaEventPublisher(writer, config), nil
}

func newKafkaEventPublisher(writer messageWriter, config KafkaConfig) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer, config: config}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(evts))
	for i, event := range evts {
		msg, err := encodeKafkaMessage(p.config, event)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	err := p.writer.WriteMessages(ctx, msgs...)

	result := "success"
	if err != nil {
		result = "failure"
	}
	for _, event := range evts {
		telemetry.RecordCounter(ctx, "kafka_published_events_total", "Events published to Kafka", 1,
			attribute.String("topic", event.Topic.String()),
			attribute.String("result", result),
		)
	}

	return errors.Wrap(err, "failed to write messages to Kafka")
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

func encodeKafkaMessage(config KafkaConfig, event *events.Event) (kafka.Message, error) {
	value, err := event.ToJSON()
	if err != nil {
		return kafka.Message{}, errors.Wrapf(err, "failed to marshal event %s", event.ID)
	}

	headers := []kafka.Header{
		{Key: TopicAttribute, Value: []byte(event.Topic.String())},
		{Key: headerEventID, Value: []byte(event.ID.String())},
	}
	if !event.CorrelationID.IsZero() {
		headers = append(headers, kafka.Header{Key: headerCorrelationID, Value: []byte(event.CorrelationID.String())})
	}
	for k, v := range event.Metadata {
		if strings.HasPrefix(k, "sqs_") || strings.HasPrefix(k, "kafka_") {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   config.topicName(event.Topic),
		Key:     []byte(event.AggregateID.String()),
		Value:   value,
		Headers: headers,
		Time:    event.Timestamp,
	}, nil
}
