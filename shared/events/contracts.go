package events

import "github.com/coffeehut/workflow/shared/models"

// Workflow topics
const (
	OrderRequestTopic           Topic = "order-request"
	OrderAcceptedTopic          Topic = "order-accepted-event"
	PaymentInitiatedTopic       Topic = "payment-initiated-event"
	CompletePaymentRequestTopic Topic = "complete-payment-request"
	PaymentCompletedTopic       Topic = "payment-completed-event"
	PaymentFailedTopic          Topic = "payment-failed-event"
	OrderConfirmedTopic         Topic = "order-confirmed-event"
	OrderPreparedTopic          Topic = "order-prepared-event"
	OrderPreparationFailedTopic Topic = "order-preparation-failed-event"
	OrderServedTopic            Topic = "order-served-event"
	OrderSpiltTopic             Topic = "order-spilt-event"
	OrderCancelledTopic         Topic = "order-cancelled-event"
	PaymentRefundedTopic        Topic = "payment-refunded-event"
)

// AllTopics lists every topic of the workflow
var AllTopics = []Topic{
	OrderRequestTopic,
	OrderAcceptedTopic,
	PaymentInitiatedTopic,
	CompletePaymentRequestTopic,
	PaymentCompletedTopic,
	PaymentFailedTopic,
	OrderConfirmedTopic,
	OrderPreparedTopic,
	OrderPreparationFailedTopic,
	OrderServedTopic,
	OrderSpiltTopic,
	OrderCancelledTopic,
	PaymentRefundedTopic,
}

// OrderRequest asks for a new order to be taken
type OrderRequest struct {
	Beverage     string `json:"beverage" validate:"required,max=64"`
	CustomerName string `json:"customerName" validate:"required,max=128"`
}

type OrderAccepted struct {
	OrderID      models.ID `json:"orderId"`
	Beverage     string    `json:"beverage"`
	CustomerName string    `json:"customerName"`
}

func (e OrderAccepted) AggregateID() models.ID { return e.OrderID }

type PaymentInitiated struct {
	PaymentID models.ID `json:"paymentId"`
	OrderID   models.ID `json:"orderId"`
	Amount    float64   `json:"amount"`
}

func (e PaymentInitiated) AggregateID() models.ID { return e.PaymentID }

// CompletePaymentRequest asks the gateway to settle a payment. OrderID is
// filled in from the stored payment once it has been resolved.
type CompletePaymentRequest struct {
	PaymentID models.ID `json:"paymentId"`
	OrderID   models.ID `json:"orderId,omitempty"`
	Amount    float64   `json:"amount"`
}

type PaymentCompleted struct {
	PaymentID models.ID `json:"paymentId"`
	OrderID   models.ID `json:"orderId"`
}

func (e PaymentCompleted) AggregateID() models.ID { return e.PaymentID }

type PaymentFailed struct {
	PaymentID models.ID `json:"paymentId"`
	OrderID   models.ID `json:"orderId"`
}

func (e PaymentFailed) AggregateID() models.ID { return e.PaymentID }

type OrderConfirmed struct {
	OrderID      models.ID `json:"orderId"`
	Beverage     string    `json:"beverage"`
	CustomerName string    `json:"customerName"`
}

func (e OrderConfirmed) AggregateID() models.ID { return e.OrderID }

type OrderPrepared struct {
	OrderID      models.ID `json:"orderId"`
	Beverage     string    `json:"beverage"`
	CustomerName string    `json:"customerName"`
}

func (e OrderPrepared) AggregateID() models.ID { return e.OrderID }

type OrderPreparationFailed struct {
	OrderID models.ID `json:"orderId"`
}

func (e OrderPreparationFailed) AggregateID() models.ID { return e.OrderID }

type OrderServed struct {
	OrderID models.ID `json:"orderId"`
}

func (e OrderServed) AggregateID() models.ID { return e.OrderID }

// OrderSpilt carries everything needed to prepare the order again
type OrderSpilt struct {
	OrderID      models.ID `json:"orderId"`
	Beverage     string    `json:"beverage"`
	CustomerName string    `json:"customerName"`
}

func (e OrderSpilt) AggregateID() models.ID { return e.OrderID }

type OrderCancelled struct {
	OrderID models.ID `json:"orderId"`
}

func (e OrderCancelled) AggregateID() models.ID { return e.OrderID }

type PaymentRefunded struct {
	PaymentID models.ID `json:"paymentId"`
	OrderID   models.ID `json:"orderId"`
	Amount    float64   `json:"amount"`
}

func (e PaymentRefunded) AggregateID() models.ID { return e.PaymentID }
