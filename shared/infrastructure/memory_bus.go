package infrastructure

import (
	"context"
	"sync"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

var (
	_ events.Publisher  = (*MemoryBus)(nil)
	_ events.Subscriber = (*MemoryBus)(nil)

	ErrBusClosed = errors.New("event bus closed")
)

// MemoryBus is an in-process transport. Every subscription owns an
// unbounded queue drained by its own goroutine, so Publish never waits on a
// handler and events reach a subscription in publish order.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*subscription
	closed        bool
	wg            sync.WaitGroup
	logger        *logger.Logger
}

type subscription struct {
	patterns []events.Topic
	handler  events.EventHandler

	mu      sync.Mutex
	pending []*events.Event
	notify  chan struct{}
	done    chan struct{}
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBus{logger: log}
}

// Publish queues a copy of each event for every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, event := range evts {
		delivered := 0
		for _, sub := range b.subscriptions {
			if !sub.matches(event.Topic) {
				continue
			}
			sub.enqueue(event.Clone())
			delivered++
		}

		telemetry.RecordCounter(ctx, "memory_bus_published_total", "Events published on the in-memory bus", 1,
			attribute.String("topic", event.Topic.String()),
		)
		if delivered == 0 {
			b.logger.Debug(b.logger.WithField(ctx, "topic", event.Topic.String()), "no subscription for event")
		}
	}

	return nil
}

// Subscribe registers handler for topics. Topics may use the "#" wildcard.
// Delivery stops when ctx ends or the bus is closed.
func (b *MemoryBus) Subscribe(ctx context.Context, topics []events.Topic, handler events.EventHandler) error {
	if len(topics) == 0 {
		return errors.Wrap(events.ErrInvalidTopic, "at least one topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	sub := &subscription{
		patterns: topics,
		handler:  handler,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(ctx, sub)
	}()

	return nil
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subscriptions {
		close(sub.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscription) {
	for {
		event, ok := sub.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-sub.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		default:
		}

		if err := sub.handler.Handle(ctx, event); err != nil {
			logCtx := b.logger.WithFields(ctx, map[string]any{
				"topic":    event.Topic.String(),
				"event_id": event.ID.String(),
			})
			b.logger.Error(logCtx, "event handler failed", err)
		}
	}
}

func (s *subscription) matches(topic events.Topic) bool {
	for _, pattern := range s.patterns {
		if topic.Matches(pattern) {
			return true
		}
	}
	return false
}

func (s *subscription) enqueue(event *events.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (*events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	event := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return event, true
}
