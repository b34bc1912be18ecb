package infrastructure

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

const maxBatchSize = 10

// TopicAttribute is the message attribute SNS subscription filters use to
// route an event to the queue of its consumer.
const TopicAttribute = "topic"

// SNSBatchAPI is the part of the SNS client the publisher needs
type SNSBatchAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSEventPublisher publishes event envelopes to a single SNS topic
type SNSEventPublisher struct {
	client   SNSBatchAPI
	topicArn string
}

// NewSNSEventPublisher creates a new SNSEventPublisher
func NewSNSEventPublisher(client SNSBatchAPI, topicArn string) *SNSEventPublisher {
	return &SNSEventPublisher{
		client:   client,
		topicArn: topicArn,
	}
}

// Publish sends events in batches of ten. Batches go out concurrently.
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	batchEvents := splitToChunks(evts, maxBatchSize)

	gr, ctx := errgroup.WithContext(ctx)

	for _, eventBatch := range batchEvents {
		gr.Go(func() error {
			return p.batchPublish(ctx, eventBatch)
		})
	}

	return gr.Wait()
}

func (p *SNSEventPublisher) batchPublish(ctx context.Context, evts []*events.Event) error {
	requests := make([]types.PublishBatchRequestEntry, len(evts))

	for i, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %s", event.ID)
		}

		requests[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(event.ID.String()),
			Message:           aws.String(string(body)),
			MessageAttributes: messageAttributes(event),
		}
	}

	res, err := p.client.PublishBatch(
		ctx,
		&sns.PublishBatchInput{
			TopicArn:                   &p.topicArn,
			PublishBatchRequestEntries: requests,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	failed := make(map[string]string, len(res.Failed))
	for _, entry := range res.Failed {
		failed[aws.ToString(entry.Id)] = aws.ToString(entry.Message)
	}

	var failures []string
	for _, event := range evts {
		result := "success"
		if reason, ok := failed[event.ID.String()]; ok {
			result = "failure"
			failures = append(failures, event.ID.String()+": "+reason)
		}
		telemetry.RecordCounter(ctx, "sns_published_events_total", "Events published to SNS", 1,
			attribute.String("topic", event.Topic.String()),
			attribute.String("result", result),
		)
	}

	if len(failures) > 0 {
		return errors.Errorf("SNS rejected %d of %d events: %s", len(failures), len(evts), strings.Join(failures, "; "))
	}

	return nil
}

func messageAttributes(event *events.Event) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		TopicAttribute: {
			DataType:    aws.String("String"),
			StringValue: aws.String(event.Topic.String()),
		},
	}

	for k, v := range event.Metadata {
		if k == SQSMessageIDKey || k == SQSReceiptHandleKey || k == TopicAttribute || v == "" {
			continue
		}

		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	return attrs
}

// splitToChunks splits slice into chunks of specified size
func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
