package infrastructure

import (
	"context"
	"sync"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/models"
)

var (
	_ events.EventLog  = (*MemoryEventLog)(nil)
	_ events.Publisher = (*AuditedPublisher)(nil)
)

// MemoryEventLog keeps the event log in process memory
type MemoryEventLog struct {
	mu          sync.RWMutex
	seen        map[models.ID]struct{}
	byAggregate map[models.ID][]*events.Event
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		seen:        make(map[models.ID]struct{}),
		byAggregate: make(map[models.ID][]*events.Event),
	}
}

func (l *MemoryEventLog) Append(_ context.Context, evts ...*events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range evts {
		if _, ok := l.seen[event.ID]; ok {
			continue
		}
		l.seen[event.ID] = struct{}{}
		l.byAggregate[event.AggregateID] = append(l.byAggregate[event.AggregateID], event.Clone())
	}
	return nil
}

func (l *MemoryEventLog) ListByAggregate(_ context.Context, aggregateID models.ID) ([]*events.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored := l.byAggregate[aggregateID]
	result := make([]*events.Event, len(stored))
	for i, event := range stored {
		result[i] = event.Clone()
	}
	return result, nil
}

// AuditedPublisher records every event it publishes in an EventLog. Log
// failures are reported but never fail the publish.
type AuditedPublisher struct {
	next   events.Publisher
	log    events.EventLog
	logger *logger.Logger
}

func NewAuditedPublisher(next events.Publisher, log events.EventLog, lg *logger.Logger) *AuditedPublisher {
	if lg == nil {
		lg = logger.Nop()
	}
	return &AuditedPublisher{next: next, log: log, logger: lg}
}

func (p *AuditedPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if err := p.next.Publish(ctx, evts...); err != nil {
		return err
	}

	if err := p.log.Append(context.WithoutCancel(ctx), evts...); err != nil {
		p.logger.Error(ctx, "failed to append published events to the event log", err)
	}
	return nil
}
