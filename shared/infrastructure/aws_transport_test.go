package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	mu      sync.Mutex
	inputs  []*sns.PublishBatchInput
	failIDs map[string]bool
	err     error
}

func (f *fakeSNS) PublishBatch(_ context.Context, params *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}

	out := &sns.PublishBatchOutput{}
	for _, entry := range params.PublishBatchRequestEntries {
		if f.failIDs[aws.ToString(entry.Id)] {
			out.Failed = append(out.Failed, snstypes.BatchResultErrorEntry{Id: entry.Id, Message: aws.String("throttled")})
		}
	}
	return out, nil
}

func TestSNSEventPublisher_Publish(t *testing.T) {
	t.Run("splits into batches of ten", func(t *testing.T) {
		client := &fakeSNS{}
		publisher := NewSNSEventPublisher(client, "arn:aws:sns:us-east-1:000000000000:coffeehut")

		evts := make([]*events.Event, 23)
		for i := range evts {
			evts[i] = events.NewEvent("o1", events.OrderAcceptedTopic, events.OrderAccepted{OrderID: "o1"})
		}

		require.NoError(t, publisher.Publish(context.Background(), evts...))

		sizes := map[int]int{}
		for _, input := range client.inputs {
			sizes[len(input.PublishBatchRequestEntries)]++
			assert.Equal(t, "arn:aws:sns:us-east-1:000000000000:coffeehut", aws.ToString(input.TopicArn))
		}
		assert.Equal(t, map[int]int{10: 2, 3: 1}, sizes)
	})

	t.Run("message body is the event envelope", func(t *testing.T) {
		client := &fakeSNS{}
		publisher := NewSNSEventPublisher(client, "arn")

		event := events.NewEvent("o1", events.OrderPreparedTopic, events.OrderPrepared{OrderID: "o1", Beverage: "latte"}).
			WithCorrelationID("c1").
			WithMetadata("source", "barista").
			WithMetadata(SQSReceiptHandleKey, "stale")

		require.NoError(t, publisher.Publish(context.Background(), event))
		require.Len(t, client.inputs, 1)

		entry := client.inputs[0].PublishBatchRequestEntries[0]
		decoded, err := events.FromJSON([]byte(aws.ToString(entry.Message)))
		require.NoError(t, err)
		assert.Equal(t, event.ID, decoded.ID)
		assert.Equal(t, events.OrderPreparedTopic, decoded.Topic)
		assert.Equal(t, event.CorrelationID, decoded.CorrelationID)

		var payload events.OrderPrepared
		require.NoError(t, decoded.UnmarshalPayload(&payload))
		assert.Equal(t, "latte", payload.Beverage)

		assert.Equal(t, "order-prepared-event", aws.ToString(entry.MessageAttributes[TopicAttribute].StringValue))
		assert.Equal(t, "barista", aws.ToString(entry.MessageAttributes["source"].StringValue))
		assert.NotContains(t, entry.MessageAttributes, SQSReceiptHandleKey)
	})

	t.Run("rejected entries are reported", func(t *testing.T) {
		ok := events.NewEvent("o1", events.OrderServedTopic, nil)
		rejected := events.NewEvent("o2", events.OrderServedTopic, nil)
		client := &fakeSNS{failIDs: map[string]bool{rejected.ID.String(): true}}

		err := NewSNSEventPublisher(client, "arn").Publish(context.Background(), ok, rejected)
		require.Error(t, err)
		assert.Contains(t, err.Error(), rejected.ID.String())
		assert.NotContains(t, err.Error(), ok.ID.String())
	})

	t.Run("transport error", func(t *testing.T) {
		client := &fakeSNS{err: errors.New("connection refused")}
		err := NewSNSEventPublisher(client, "arn").Publish(context.Background(), events.NewEvent("o1", events.OrderServedTopic, nil))
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("no events", func(t *testing.T) {
		client := &fakeSNS{}
		require.NoError(t, NewSNSEventPublisher(client, "arn").Publish(context.Background()))
		assert.Empty(t, client.inputs)
	})
}

type fakeSQS struct {
	mu         sync.Mutex
	queue      []sqstypes.Message
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.queue
	f.queue = nil
	return &sqs.ReceiveMessageOutput{Messages: messages}, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) settled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted) + len(f.visibility)
}

func sqsEventMessage(t *testing.T, handle string, event *events.Event, wrapInSNS bool) sqstypes.Message {
	t.Helper()
	body, err := event.ToJSON()
	require.NoError(t, err)

	if wrapInSNS {
		body, err = json.Marshal(map[string]string{"Type": "Notification", "Message": string(body)})
		require.NoError(t, err)
	}

	return sqstypes.Message{
		MessageId:     aws.String("m-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{"ApproximateReceiveCount": "4"},
	}
}

func TestSQSEventSubscriber_Subscribe(t *testing.T) {
	served := events.NewEvent("o1", events.OrderServedTopic, events.OrderServed{OrderID: "o1"})
	spilt := events.NewEvent("o2", events.OrderSpiltTopic, events.OrderSpilt{OrderID: "o2"})
	unrelated := events.NewEvent("p1", events.PaymentRefundedTopic, events.PaymentRefunded{PaymentID: "p1"})
	broken := events.NewEvent("o3", events.OrderServedTopic, events.OrderServed{OrderID: "o3"})

	client := &fakeSQS{
		visibility: map[string]int32{},
		queue: []sqstypes.Message{
			sqsEventMessage(t, "h-served", served, false),
			sqsEventMessage(t, "h-spilt", spilt, true),
			sqsEventMessage(t, "h-unrelated", unrelated, false),
			sqsEventMessage(t, "h-broken", broken, false),
			{MessageId: aws.String("m-garbage"), ReceiptHandle: aws.String("h-garbage"), Body: aws.String("{not json")},
		},
	}

	var mu sync.Mutex
	handled := map[events.Topic]int{}
	handler := events.EventHandlerFunc(func(_ context.Context, event *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		handled[event.Topic]++
		if event.AggregateID == "o3" {
			return errors.New("order store unavailable")
		}
		if _, ok := event.Metadata.Get(SQSReceiptHandleKey); !ok {
			return fmt.Errorf("missing receipt handle on %s", event.ID)
		}
		return nil
	})

	subscriber := NewSQSEventSubscriber(client, "http://localhost:4566/000000000000/coffeehut",
		WithWorkers(2),
		WithWaitTime(0, 5*time.Millisecond),
	)

	err := subscriber.Subscribe(context.Background(), []events.Topic{events.OrderServedTopic, events.OrderSpiltTopic}, handler)
	require.NoError(t, err)
	assert.ErrorIs(t, subscriber.Subscribe(context.Background(), []events.Topic{events.OrderServedTopic}, handler), ErrSubscriberRunning)

	assert.Eventually(t, func() bool { return client.settled() == 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, subscriber.Close())

	mu.Lock()
	assert.Equal(t, map[events.Topic]int{events.OrderServedTopic: 2, events.OrderSpiltTopic: 1}, handled)
	mu.Unlock()

	assert.ElementsMatch(t, []string{"h-served", "h-spilt", "h-unrelated", "h-garbage"}, client.deleted)
	assert.Equal(t, map[string]int32{"h-broken": 60}, client.visibility)
}

func TestSQSEventSubscriber_CloseWithoutSubscribe(t *testing.T) {
	subscriber := NewSQSEventSubscriber(&fakeSQS{}, "queue")
	assert.NoError(t, subscriber.Close())
	assert.ErrorIs(t, subscriber.Subscribe(context.Background(), nil, events.EventHandlerFunc(nil)), events.ErrInvalidTopic)
}
