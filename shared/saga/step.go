package saga

import (
	"context"
	"sync"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Aggregate is implemented by event payloads that know the aggregate they
// belong to.
type Aggregate interface {
	AggregateID() models.ID
}

// StepConfig describes how a Step is wired to the transport.
type StepConfig struct {
	Name            string
	SuccessTopic    events.Topic
	FailureTopic    events.Topic
	Concurrency     int
	CompletionOrder bool
	QueueSize       int
	RestartDelay    time.Duration
	PublishTimeout  time.Duration
}

// tracked pairs a value with the correlation of the event that caused it.
type tracked[T any] struct {
	value         T
	correlationID models.ID
}

// Step binds a DualChannelPublisher to the event transport. Inbound events
// are decoded and queued by Handle; Run drives the pipeline and publishes
// every success and failure event to its topic. A pipeline that fails is
// restarted on the same queue after RestartDelay.
type Step[R any, S, F Aggregate] struct {
	config    StepConfig
	pipeline  *DualChannelPublisher[tracked[R], tracked[S], tracked[F]]
	publisher events.Publisher
	logger    *logger.Logger
	inbound   chan tracked[R]
}

func NewStep[R any, S, F Aggregate](
	config StepConfig,
	executor StepExecutor[R],
	classify Classifier[R, S, F],
	publisher events.Publisher,
	log *logger.Logger,
) *Step[R, S, F] {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	opts := []PublisherOption{WithConcurrency(config.Concurrency), WithLogger(log)}
	if config.CompletionOrder {
		opts = append(opts, WithCompletionOrder())
	}

	step := &Step[R, S, F]{
		config:    config,
		pipeline:  NewDualChannelPublisher(config.Name, trackExecutor(executor), trackClassifier(classify), opts...),
		publisher: publisher,
		logger:    log,
		inbound:   make(chan tracked[R], config.QueueSize),
	}
	step.pipeline.ReturnUnstarted(step.requeue)
	return step
}

func trackExecutor[R any](executor StepExecutor[R]) StepExecutor[tracked[R]] {
	return StepExecutorFunc[tracked[R]](func(ctx context.Context, request tracked[R]) (Outcome[tracked[R]], error) {
		outcome, err := executor.Execute(ctx, request.value)
		if err != nil {
			return Outcome[tracked[R]]{}, err
		}
		return Outcome[tracked[R]]{
			Request: tracked[R]{value: outcome.Request, correlationID: request.correlationID},
			Success: outcome.Success,
		}, nil
	})
}

func trackClassifier[R, S, F any](classify Classifier[R, S, F]) Classifier[tracked[R], tracked[S], tracked[F]] {
	return func(outcome Outcome[tracked[R]]) Result[tracked[S], tracked[F]] {
		correlationID := outcome.Request.correlationID
		result := classify(Outcome[R]{Request: outcome.Request.value, Success: outcome.Success})
		if event, ok := result.Success(); ok {
			return Succeeded[tracked[S], tracked[F]](tracked[S]{value: event, correlationID: correlationID})
		}
		if event, ok := result.Failure(); ok {
			return Failed[tracked[S], tracked[F]](tracked[F]{value: event, correlationID: correlationID})
		}
		return Result[tracked[S], tracked[F]]{}
	}
}

func (s *Step[R, S, F]) Name() string {
	return s.config.Name
}

// Handle decodes the event payload into a request and queues it. It blocks
// while the queue is full, which holds up the subscription delivering it.
func (s *Step[R, S, F]) Handle(ctx context.Context, event *events.Event) error {
	var request R
	if err := event.UnmarshalPayload(&request); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload for step %s", event.Topic, s.config.Name)
	}

	correlationID := event.CorrelationID
	if correlationID.IsZero() {
		correlationID = event.ID
	}

	select {
	case s.inbound <- tracked[R]{value: request, correlationID: correlationID}:
		s.recordQueueDepth(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requeue puts back a request the pipeline took but never started. It goes to
// the back of the queue.
func (s *Step[R, S, F]) requeue(request tracked[R]) {
	select {
	case s.inbound <- request:
	default:
		s.logger.Error(s.logger.WithField(context.Background(), "step", s.config.Name),
			"step queue full, unstarted request lost", nil)
	}
}

func (s *Step[R, S, F]) recordQueueDepth(ctx context.Context) {
	telemetry.RecordGauge(ctx, "saga_step_queue_depth", "Requests waiting for a saga step", float64(len(s.inbound)),
		attribute.String("step", s.config.Name),
	)
}

// Run processes queued requests until ctx is cancelled. Requests already
// being checked when ctx ends are still published.
func (s *Step[R, S, F]) Run(ctx context.Context) error {
	ctx = s.logger.WithField(ctx, "step", s.config.Name)

	for {
		err := s.runPipeline(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		s.logger.Error(ctx, "step pipeline stopped, restarting", err)
		telemetry.RecordCounter(ctx, "saga_step_restarts_total", "Saga step pipeline restarts", 1,
			attribute.String("step", s.config.Name),
		)

		select {
		case <-time.After(s.config.RestartDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Step[R, S, F]) runPipeline(ctx context.Context) error {
	success, failure := s.pipeline.Run(ctx, s.inbound)

	// Consumers drain until the pipeline closes the outputs, even on shutdown.
	drainCtx := context.WithoutCancel(ctx)

	successCh, err := success.Attach(drainCtx)
	if err != nil {
		return err
	}
	failureCh, err := failure.Attach(drainCtx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(successCh, func(payload Aggregate, correlationID models.ID) {
			s.publish(ctx, s.config.SuccessTopic, payload, correlationID)
		})
	}()
	go func() {
		defer wg.Done()
		drain(failureCh, func(payload Aggregate, correlationID models.ID) {
			s.publish(ctx, s.config.FailureTopic, payload, correlationID)
		})
	}()
	wg.Wait()

	if err := success.Err(); err != nil {
		return err
	}
	return failure.Err()
}

func drain[T Aggregate](ch <-chan tracked[T], publish func(payload Aggregate, correlationID models.ID)) {
	for item := range ch {
		publish(item.value, item.correlationID)
	}
}

func (s *Step[R, S, F]) publish(ctx context.Context, topic events.Topic, payload Aggregate, correlationID models.ID) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PublishTimeout)
	defer cancel()

	event := events.NewEvent(payload.AggregateID(), topic, payload).WithCorrelationID(correlationID)
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		s.logger.Error(s.logger.WithFields(ctx, map[string]any{
			"topic":        topic.String(),
			"aggregate_id": payload.AggregateID().String(),
		}), "failed to publish step event", err)
		telemetry.RecordCounter(ctx, "saga_step_publish_errors_total", "Saga step events that could not be published", 1,
			attribute.String("step", s.config.Name),
			attribute.String("topic", topic.String()),
		)
	}
}
