package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	orderapp "github.com/coffeehut/workflow/order-service/application"
	orderdomain "github.com/coffeehut/workflow/order-service/domain"
	orderinfra "github.com/coffeehut/workflow/order-service/infrastructure"
	paymentapp "github.com/coffeehut/workflow/payment-service/application"
	paymentdomain "github.com/coffeehut/workflow/payment-service/domain"
	paymentinfra "github.com/coffeehut/workflow/payment-service/infrastructure"
	"github.com/coffeehut/workflow/shared/events"
	sharedinfra "github.com/coffeehut/workflow/shared/infrastructure"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, evts...)
	return nil
}

func (p *recordingPublisher) topics() []events.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]events.Topic, 0, len(p.published))
	for _, event := range p.published {
		topics = append(topics, event.Topic)
	}
	return topics
}

func (p *recordingPublisher) last() *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

type fakeStep struct {
	name    string
	mu      sync.Mutex
	handled []events.Topic
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStep) Handle(_ context.Context, event *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handled = append(s.handled, event.Topic)
	return nil
}

type eventFixture struct {
	publisher *recordingPublisher
	orders    *orderinfra.MemoryOrderRepository
	payments  *paymentinfra.MemoryPaymentRepository
	router    *saga.ChoreographyRouter
	steps     Steps
}

func newEventFixture(dedupe Deduplicator) *eventFixture {
	f := &eventFixture{
		publisher: &recordingPublisher{},
		orders:    orderinfra.NewMemoryOrderRepository(),
		payments:  paymentinfra.NewMemoryPaymentRepository(),
		router:    saga.NewChoreographyRouter(nil),
		steps: Steps{
			Payment:     &fakeStep{name: "payment"},
			Preparation: &fakeStep{name: "preparation"},
			Delivery:    &fakeStep{name: "delivery"},
		},
	}

	h := NewWorkflowEventHandlers(
		orderapp.NewTakeOrder(f.orders, f.publisher),
		orderapp.NewConfirmOrder(f.orders, f.publisher),
		orderapp.NewCancelOrder(f.orders, f.publisher),
		paymentapp.NewInitiatePayment(f.payments, f.publisher),
		paymentapp.NewRefundPayment(f.payments, f.publisher),
		nil,
	)
	h.Register(f.router, f.steps, dedupe)
	return f
}

func TestWorkflowEventHandlers_Topology(t *testing.T) {
	f := newEventFixture(nil)

	assert.Equal(t, []events.Topic{
		events.CompletePaymentRequestTopic,
		events.OrderAcceptedTopic,
		events.OrderCancelledTopic,
		events.OrderConfirmedTopic,
		events.OrderPreparationFailedTopic,
		events.OrderPreparedTopic,
		events.OrderRequestTopic,
		events.OrderSpiltTopic,
		events.PaymentCompletedTopic,
		events.PaymentFailedTopic,
	}, f.router.Topics())

	ctx := context.Background()
	for _, topic := range []events.Topic{events.OrderConfirmedTopic, events.OrderSpiltTopic, events.OrderPreparedTopic, events.CompletePaymentRequestTopic} {
		require.NoError(t, f.router.Handle(ctx, events.NewEvent("o1", topic, events.OrderPrepared{OrderID: "o1"})))
	}

	assert.Equal(t, []events.Topic{events.CompletePaymentRequestTopic}, f.steps.Payment.(*fakeStep).handled)
	assert.Equal(t, []events.Topic{events.OrderConfirmedTopic, events.OrderSpiltTopic}, f.steps.Preparation.(*fakeStep).handled)
	assert.Equal(t, []events.Topic{events.OrderPreparedTopic}, f.steps.Delivery.(*fakeStep).handled)
}

func TestWorkflowEventHandlers_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(nil)

	request := events.NewEvent("o1", events.OrderRequestTopic, events.OrderRequest{Beverage: "Latte", CustomerName: "Pepper Potts"}).
		WithCorrelationID("c1")
	require.NoError(t, f.router.Handle(ctx, request))

	accepted := f.publisher.last()
	assert.Equal(t, events.OrderAcceptedTopic, accepted.Topic)
	assert.Equal(t, models.ID("o1"), accepted.AggregateID)
	assert.Equal(t, models.ID("c1"), accepted.CorrelationID)

	require.NoError(t, f.router.Handle(ctx, accepted))
	initiated := f.publisher.last()
	require.Equal(t, events.PaymentInitiatedTopic, initiated.Topic)
	assert.Equal(t, models.ID("c1"), initiated.CorrelationID)

	payment, err := f.payments.FindByOrderID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, payment.Amount)

	completed := events.NewEvent(payment.ID, events.PaymentCompletedTopic, events.PaymentCompleted{PaymentID: payment.ID, OrderID: "o1"}).
		WithCorrelationID("c1")
	require.NoError(t, f.router.Handle(ctx, completed))
	assert.Equal(t, events.OrderConfirmedTopic, f.publisher.last().Topic)

	// a second completion finds the order already confirmed
	require.NoError(t, f.router.Handle(ctx, completed))
	assert.Len(t, f.publisher.topics(), 3)

	order, err := f.orders.FindByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.OrderStatusConfirmed, order.Status)
}

func TestWorkflowEventHandlers_Compensation(t *testing.T) {
	ctx := context.Background()
	f := newEventFixture(nil)

	order, err := orderdomain.TakeOrderWithID("o1", "Cortado", "Steve Rogers")
	require.NoError(t, err)
	require.NoError(t, order.Confirm())
	require.NoError(t, f.orders.Save(ctx, order))

	payment, err := paymentdomain.InitiatePayment("o1", 7)
	require.NoError(t, err)
	require.NoError(t, payment.Settle(true))
	require.NoError(t, f.payments.Save(ctx, payment))

	failed := events.NewEvent("o1", events.OrderPreparationFailedTopic, events.OrderPreparationFailed{OrderID: "o1"}).
		WithCorrelationID("c7")
	require.NoError(t, f.router.Handle(ctx, failed))

	cancelled := f.publisher.last()
	require.Equal(t, events.OrderCancelledTopic, cancelled.Topic)
	reason, _ := cancelled.Metadata.Get("reason")
	assert.Equal(t, events.OrderPreparationFailedTopic.String(), reason)

	require.NoError(t, f.router.Handle(ctx, cancelled))
	refunded := f.publisher.last()
	require.Equal(t, events.PaymentRefundedTopic, refunded.Topic)
	assert.Equal(t, models.ID("c7"), refunded.CorrelationID)
	assert.Equal(t, events.PaymentRefunded{PaymentID: payment.ID, OrderID: "o1", Amount: 7}, refunded.Data)

	// the refund is not repeated
	require.NoError(t, f.router.Handle(ctx, cancelled))
	assert.Len(t, f.publisher.topics(), 2)
}

func TestWorkflowEventHandlers_UnknownOrderIsRetried(t *testing.T) {
	f := newEventFixture(nil)

	failed := events.NewEvent("p1", events.PaymentFailedTopic, events.PaymentFailed{PaymentID: "p1", OrderID: "missing"})
	err := f.router.Handle(context.Background(), failed)
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}

func TestWorkflowEventHandlers_Deduplicated(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newEventFixture(sharedinfra.NewRedisDeduplicator(client, 0, nil))

	request := events.NewEvent("o1", events.OrderRequestTopic, events.OrderRequest{Beverage: "Chai", CustomerName: "Wanda Maximoff"})
	require.NoError(t, f.router.Handle(ctx, request))
	require.NoError(t, f.router.Handle(ctx, request))

	assert.Equal(t, []events.Topic{events.OrderAcceptedTopic}, f.publisher.topics())
	assert.True(t, server.Exists("coffeehut:dedupe:take-order:"+request.ID.String()))
}
