package events

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/coffeehut/workflow/shared/models"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidReceiver = errors.New("receiver should be a pointer")
)

// Topic is the destination name of an event, e.g. "order-accepted-event"
type Topic string

func NewTopic(topic string) (Topic, error) {
	if strings.TrimSpace(topic) == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

// Matches reports whether the topic satisfies pattern. A leading or trailing
// "#" acts as a wildcard, so "order-#" matches every order topic and "#"
// matches everything.
func (t Topic) Matches(pattern Topic) bool {
	topicStr := t.String()
	patternStr := pattern.String()

	if patternStr == "#" {
		return true
	}

	prefix := strings.HasPrefix(patternStr, "#")
	suffix := strings.HasSuffix(patternStr, "#")
	core := strings.TrimSuffix(strings.TrimPrefix(patternStr, "#"), "#")

	switch {
	case prefix && suffix:
		return strings.Contains(topicStr, core)
	case prefix:
		return strings.HasSuffix(topicStr, core)
	case suffix:
		return strings.HasPrefix(topicStr, core)
	}

	return topicStr == patternStr
}

func (t Topic) String() string {
	return string(t)
}

// Metadata carries transport attributes next to the payload
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Set(key string, value string) {
	m[key] = value
}

func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Event is the envelope every transport moves around
type Event struct {
	ID            models.ID   `json:"id"`
	AggregateID   models.ID   `json:"aggregate_id"`
	Topic         Topic       `json:"topic"`
	Version       string      `json:"version"`
	Data          interface{} `json:"data"`
	Metadata      Metadata    `json:"metadata"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID models.ID   `json:"correlation_id"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber delivers events of the given topics to handler until ctx ends
// or Close is called.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []Topic, handler EventHandler) error
	Close() error
}

// EventHandler handles events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventLog is an append-only audit trail of published events
type EventLog interface {
	Append(ctx context.Context, events ...*Event) error
	ListByAggregate(ctx context.Context, aggregateID models.ID) ([]*Event, error)
}

// NewEvent creates an envelope for data on topic
func NewEvent(aggregateID models.ID, topic Topic, data interface{}) *Event {
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		Version:     "1.0",
		Data:        data,
		Metadata:    make(Metadata),
		Timestamp:   time.Now().UTC(),
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds metadata
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata.Set(key, value)
	return e
}

// CausedBy copies the correlation of parent onto e. Events without a
// correlation start a new one keyed by their own ID.
func (e *Event) CausedBy(parent *Event) *Event {
	if parent == nil {
		return e
	}
	if parent.CorrelationID != "" {
		e.CorrelationID = parent.CorrelationID
	} else {
		e.CorrelationID = parent.ID
	}
	return e
}

// ToJSON converts event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON creates event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Metadata == nil {
		event.Metadata = make(Metadata)
	}
	return &event, nil
}

// MarshalPayload marshals the event payload
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	if b, ok := e.Data.([]byte); ok {
		return b, nil
	}

	if b, ok := e.Data.(json.RawMessage); ok {
		return b, nil
	}

	return json.Marshal(e.Data)
}

// UnmarshalPayload decodes the payload into v. Payloads that already hold
// the target type are assigned directly.
func (e *Event) UnmarshalPayload(v interface{}) error {
	vValue := reflect.ValueOf(v)
	if vValue.Kind() != reflect.Ptr || vValue.IsNil() {
		return ErrInvalidReceiver
	}

	vValue = vValue.Elem()
	if e.Data != nil {
		payloadValue := reflect.ValueOf(e.Data)
		if vValue.Type() == payloadValue.Type() {
			vValue.Set(payloadValue)
			return nil
		}
		if payloadValue.Kind() == reflect.Ptr && !payloadValue.IsNil() && vValue.Type() == payloadValue.Elem().Type() {
			vValue.Set(payloadValue.Elem())
			return nil
		}
	}

	raw, err := e.MarshalPayload()
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, v)
}

// Clone creates a copy of the event
func (e *Event) Clone() *Event {
	return &Event{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		Topic:         e.Topic,
		Version:       e.Version,
		Data:          e.Data,
		Metadata:      e.Metadata.Clone(),
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
	}
}
