package saga

import (
	"context"
	"sort"
	"sync"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// ChoreographyRouter dispatches inbound events to the handlers registered
// for their topic. There is no coordinator; each handler reacts and
// publishes its own follow-up events.
type ChoreographyRouter struct {
	mu       sync.RWMutex
	handlers map[events.Topic][]events.EventHandler
	logger   *logger.Logger
}

func NewChoreographyRouter(log *logger.Logger) *ChoreographyRouter {
	if log == nil {
		log = logger.Nop()
	}
	return &ChoreographyRouter{
		handlers: make(map[events.Topic][]events.EventHandler),
		logger:   log,
	}
}

// Register adds handler for every given topic
func (r *ChoreographyRouter) Register(handler events.EventHandler, topics ...events.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		r.handlers[topic] = append(r.handlers[topic], handler)
	}
}

// Topics returns the topics that have at least one handler, sorted
func (r *ChoreographyRouter) Topics() []events.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]events.Topic, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// Handle runs every handler registered for the event topic. A failing handler
// does not stop the remaining ones; the first failure is returned once all
// handlers ran so the transport can redeliver the event.
func (r *ChoreographyRouter) Handle(ctx context.Context, event *events.Event) error {
	r.mu.RLock()
	handlers := r.handlers[event.Topic]
	r.mu.RUnlock()

	ctx = r.logger.WithFields(ctx, map[string]any{
		"topic":          event.Topic.String(),
		"event_id":       event.ID.String(),
		"correlation_id": event.CorrelationID.String(),
	})

	if len(handlers) == 0 {
		r.logger.Debug(ctx, "no handlers registered for topic")
		return nil
	}

	var (
		firstErr error
		failed   int
	)
	for _, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			r.logger.Error(ctx, "event handler failed", err)
			telemetry.RecordCounter(ctx, "event_handler_failures_total", "Event handlers that returned an error", 1,
				attribute.String("topic", event.Topic.String()),
			)
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
	}

	if firstErr != nil {
		return errors.Wrapf(firstErr, "%d of %d handlers failed for %s", failed, len(handlers), event.Topic)
	}
	return nil
}
