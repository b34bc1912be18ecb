package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ events.EventLog = (*PostgresEventLog)(nil)

// PostgresEventLog implements EventLog using PostgreSQL
type PostgresEventLog struct {
	db *sqlx.DB
}

// NewPostgresEventLog creates a new PostgresEventLog
func NewPostgresEventLog(db *sqlx.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

// postgresEvent represents event in database
type postgresEvent struct {
	ID            string    `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	Topic         string    `db:"topic"`
	Version       string    `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	Timestamp     time.Time `db:"timestamp"`
	CorrelationID string    `db:"correlation_id"`
}

// Append stores events in one transaction. Events already in the log are
// ignored, so redelivered events are appended once.
func (l *PostgresEventLog) Append(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		INSERT INTO event_log (
			id, aggregate_id, topic, version, data, metadata,
			timestamp, correlation_id
		) VALUES (
			:id, :aggregate_id, :topic, :version, :data, :metadata,
			:timestamp, :correlation_id
		)
		ON CONFLICT (id) DO NOTHING`

	for _, event := range evts {
		pgEvent, err := toPostgresEvent(event)
		if err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, query, pgEvent); err != nil {
			return errors.Wrap(err, "failed to insert event")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit events")
}

// ListByAggregate returns the events of one order or payment in append order
func (l *PostgresEventLog) ListByAggregate(ctx context.Context, aggregateID models.ID) ([]*events.Event, error) {
	query := `
		SELECT id, aggregate_id, topic, version, data, metadata,
			   timestamp, correlation_id
		FROM event_log
		WHERE aggregate_id = $1
		ORDER BY sequence ASC`

	var pgEvents []postgresEvent
	if err := l.db.SelectContext(ctx, &pgEvents, query, aggregateID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}

	result := make([]*events.Event, len(pgEvents))
	for i := range pgEvents {
		event, err := toDomainEvent(&pgEvents[i])
		if err != nil {
			return nil, err
		}
		result[i] = event
	}

	return result, nil
}

func toPostgresEvent(event *events.Event) (*postgresEvent, error) {
	data, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = events.Metadata{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &postgresEvent{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		Topic:         event.Topic.String(),
		Version:       event.Version,
		Data:          data,
		Metadata:      rawMetadata,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
	}, nil
}

// toDomainEvent keeps the payload as raw JSON so callers can decode it
// with UnmarshalPayload into the contract type of the topic.
func toDomainEvent(pgEvent *postgresEvent) (*events.Event, error) {
	metadata := make(events.Metadata)
	if len(pgEvent.Metadata) > 0 {
		if err := json.Unmarshal(pgEvent.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event metadata")
		}
	}

	topic, err := events.NewTopic(pgEvent.Topic)
	if err != nil {
		return nil, errors.Wrapf(err, "event %s", pgEvent.ID)
	}

	return &events.Event{
		ID:            models.ID(pgEvent.ID),
		AggregateID:   models.ID(pgEvent.AggregateID),
		Topic:         topic,
		Version:       pgEvent.Version,
		Data:          json.RawMessage(pgEvent.Data),
		Metadata:      metadata,
		Timestamp:     pgEvent.Timestamp,
		CorrelationID: models.ID(pgEvent.CorrelationID),
	}, nil
}
