package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

var _ events.Subscriber = (*SQSEventSubscriber)(nil)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

var ErrSubscriberRunning = errors.New("subscriber is already running")

// SQSAPI is the part of the SQS client the subscriber needs
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
	Err     error
	Skip    bool
}

// snsNotification is the envelope SNS wraps around a message when raw
// delivery is disabled on the subscription.
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// SQSEventSubscriber reads event envelopes from an SQS queue. Readers feed
// workers that run the handler; cleaners delete handled messages or extend
// the visibility of failed ones so they are retried later.
type SQSEventSubscriber struct {
	mux              sync.Mutex
	inboundMessages  chan *sqsMessage
	outboundMessages chan *sqsMessage
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	running          atomic.Bool
	options          *sqsSubscriberOptions

	client   SQSAPI
	queueURL string
	topics   []events.Topic
	handler  events.EventHandler
}

type sqsSubscriberOptions struct {
	workers                        int32
	readers                        int32
	cleaners                       int32
	maxNumberOfMessages            int32
	waitTimeSeconds                int32
	visibilityTimeout              int32
	sleepTimeAfterEmptyReceive     time.Duration
	sleepTimeAfterError            time.Duration
	ack                            bool
	extendVisibilityTimeoutOnError bool
	receiveCountRange              int32
	visibilityTimeoutOffset        int32
	maxVisibilityTimeout           int32
	logger                         *logger.Logger
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

func WithWaitTime(seconds int32, sleepAfterEmpty time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.waitTimeSeconds = seconds
		o.sleepTimeAfterEmptyReceive = sleepAfterEmpty
	}
}

func WithSubscriberLogger(log *logger.Logger) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber
func NewSQSEventSubscriber(client SQSAPI, queueURL string, opts ...SQSSubscriberOption) *SQSEventSubscriber {
	options := &sqsSubscriberOptions{
		workers:                        8,
		readers:                        1,
		cleaners:                       2,
		maxNumberOfMessages:            10,
		waitTimeSeconds:                15,
		visibilityTimeout:              30,
		sleepTimeAfterEmptyReceive:     time.Second,
		sleepTimeAfterError:            5 * time.Second,
		ack:                            true,
		extendVisibilityTimeoutOnError: true,
		receiveCountRange:              3,
		visibilityTimeoutOffset:        30,
		maxVisibilityTimeout:           900,
		logger:                         logger.Nop(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		options:  options,
	}
}

// Subscribe starts the reader, worker and cleaner pools and returns. Messages
// whose topic matches none of topics are acknowledged without calling
// handler.
func (s *SQSEventSubscriber) Subscribe(ctx context.Context, topics []events.Topic, handler events.EventHandler) error {
	if len(topics) == 0 {
		return errors.Wrap(events.ErrInvalidTopic, "at least one topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.running.Load() {
		return ErrSubscriberRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.inboundMessages = make(chan *sqsMessage, 10)
	s.outboundMessages = make(chan *sqsMessage, 10)
	s.cancel = cancel
	s.topics = topics
	s.handler = handler

	s.spawn(ctx, int(s.options.workers), s.startWorker)
	s.spawn(ctx, int(s.options.readers), s.startReader)
	s.spawn(ctx, int(s.options.cleaners), s.startCleaner)

	s.running.Store(true)

	return nil
}

// Close stops the pools and waits for them to exit
func (s *SQSEventSubscriber) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	s.cancel = nil
	s.running.Store(false)

	return nil
}

func (s *SQSEventSubscriber) spawn(ctx context.Context, n int, fn func(context.Context)) {
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fn(ctx)
		}()
	}
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.inboundMessages:
			s.handle(ctx, message)
		}
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.read(ctx); err != nil && ctx.Err() == nil {
			s.options.logger.Error(ctx, "failed to read from SQS", err)
			sleep(ctx, s.options.sleepTimeAfterError)
		}
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.outboundMessages:
			if err := s.clean(ctx, message); err != nil {
				s.options.logger.Error(ctx, "failed to settle SQS message", err)
			}
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context) error {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		sleep(ctx, s.options.sleepTimeAfterEmptyReceive)
		return nil
	}

	for _, message := range output.Messages {
		msg := &sqsMessage{Message: message}

		event, err := decodeSQSMessage(message)
		if err != nil {
			s.options.logger.Error(s.options.logger.WithField(ctx, "message_id", aws.ToString(message.MessageId)), "dropping malformed SQS message", err)
			msg.Skip = true
		} else {
			msg.Event = event
			msg.Skip = !s.subscribed(event.Topic)
		}

		next := s.inboundMessages
		if msg.Skip {
			next = s.outboundMessages
		}

		select {
		case next <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *SQSEventSubscriber) subscribed(topic events.Topic) bool {
	for _, pattern := range s.topics {
		if topic.Matches(pattern) {
			return true
		}
	}
	return false
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	message.Err = s.handler.Handle(ctx, message.Event)

	result := "success"
	if message.Err != nil {
		result = "failure"
		logCtx := s.options.logger.WithFields(ctx, map[string]any{
			"topic":    message.Event.Topic.String(),
			"event_id": message.Event.ID.String(),
		})
		s.options.logger.Warn(logCtx, "SQS message handling failed, will be redelivered", message.Err)
	}
	telemetry.RecordCounter(ctx, "sqs_consumed_events_total", "Events consumed from SQS", 1,
		attribute.String("topic", message.Event.Topic.String()),
		attribute.String("result", result),
	)

	select {
	case s.outboundMessages <- message:
	case <-ctx.Done():
	}
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	if message.Err != nil {
		if !s.options.extendVisibilityTimeoutOnError {
			return nil
		}

		_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          &s.queueURL,
			ReceiptHandle:     message.Message.ReceiptHandle,
			VisibilityTimeout: s.retryVisibility(message.Message),
		})
		if err != nil {
			return errors.Wrap(err, "failed to extend visibility timeout")
		}
		return nil
	}

	if s.options.ack {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &s.queueURL,
			ReceiptHandle: message.Message.ReceiptHandle,
		})
		if err != nil {
			return errors.Wrap(err, "failed to delete message from SQS")
		}
	}

	return nil
}

// retryVisibility backs off linearly with the receive count, capped at
// maxVisibilityTimeout.
func (s *SQSEventSubscriber) retryVisibility(message types.Message) int32 {
	receiveCount, err := strconv.Atoi(message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		receiveCount = 1
	}

	visibilityTimeout := s.options.visibilityTimeout
	visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset

	if visibilityTimeout > s.options.maxVisibilityTimeout {
		visibilityTimeout = s.options.maxVisibilityTimeout
	}
	return visibilityTimeout
}

// decodeSQSMessage accepts both raw event envelopes and SNS notifications
// wrapping one.
func decodeSQSMessage(message types.Message) (*events.Event, error) {
	body := []byte(aws.ToString(message.Body))

	var notification snsNotification
	if err := json.Unmarshal(body, &notification); err == nil && notification.Type == "Notification" {
		body = []byte(notification.Message)
	}

	event, err := events.FromJSON(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode event envelope")
	}
	if event.Topic == "" {
		if attr, ok := message.MessageAttributes[TopicAttribute]; ok && attr.StringValue != nil {
			event.Topic = events.Topic(*attr.StringValue)
		}
	}
	if event.Topic == "" {
		return nil, errors.Wrap(events.ErrInvalidTopic, "message has no topic")
	}

	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}

	for k, v := range message.MessageAttributes {
		if v.StringValue != nil && k != TopicAttribute {
			event.Metadata.Set(k, *v.StringValue)
		}
	}

	return event, nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
