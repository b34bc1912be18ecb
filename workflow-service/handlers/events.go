package handlers

import (
	"context"

	orderapp "github.com/coffeehut/workflow/order-service/application"
	orderdomain "github.com/coffeehut/workflow/order-service/domain"
	paymentapp "github.com/coffeehut/workflow/payment-service/application"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/pkg/errors"
)

// StepRunner is a status-checked step fed from the transport
type StepRunner interface {
	events.EventHandler
	Name() string
	Run(ctx context.Context) error
}

// Deduplicator drops events a handler has already processed
type Deduplicator interface {
	Wrap(scope string, next events.EventHandler) events.EventHandler
}

// Steps groups the three status-checked steps of the workflow
type Steps struct {
	Payment     StepRunner
	Preparation StepRunner
	Delivery    StepRunner
}

// All returns the steps in workflow order
func (s Steps) All() []StepRunner {
	return []StepRunner{s.Payment, s.Preparation, s.Delivery}
}

// WorkflowEventHandlers reacts to workflow events with the order and
// payment use cases
type WorkflowEventHandlers struct {
	takeOrder       *orderapp.TakeOrder
	confirmOrder    *orderapp.ConfirmOrder
	cancelOrder     *orderapp.CancelOrder
	initiatePayment *paymentapp.InitiatePayment
	refundPayment   *paymentapp.RefundPayment
	logger          *logger.Logger
}

func NewWorkflowEventHandlers(
	takeOrder *orderapp.TakeOrder,
	confirmOrder *orderapp.ConfirmOrder,
	cancelOrder *orderapp.CancelOrder,
	initiatePayment *paymentapp.InitiatePayment,
	refundPayment *paymentapp.RefundPayment,
	log *logger.Logger,
) *WorkflowEventHandlers {
	if log == nil {
		log = logger.Nop()
	}
	return &WorkflowEventHandlers{
		takeOrder:       takeOrder,
		confirmOrder:    confirmOrder,
		cancelOrder:     cancelOrder,
		initiatePayment: initiatePayment,
		refundPayment:   refundPayment,
		logger:          log,
	}
}

// Register wires the whole choreography onto router. Each handler is
// deduplicated under its own scope so a redelivered event only reaches the
// handlers that have not processed it yet.
func (h *WorkflowEventHandlers) Register(router *saga.ChoreographyRouter, steps Steps, dedupe Deduplicator) {
	register := func(scope string, handler events.EventHandler, topics ...events.Topic) {
		if dedupe != nil {
			handler = dedupe.Wrap(scope, handler)
		}
		router.Register(handler, topics...)
	}

	register("take-order", events.EventHandlerFunc(h.HandleOrderRequest), events.OrderRequestTopic)
	register("initiate-payment", events.EventHandlerFunc(h.HandleOrderAccepted), events.OrderAcceptedTopic)
	register("confirm-order", events.EventHandlerFunc(h.HandlePaymentCompleted), events.PaymentCompletedTopic)
	register("cancel-order", events.EventHandlerFunc(h.HandleStepFailed),
		events.PaymentFailedTopic,
		events.OrderPreparationFailedTopic,
	)
	register("refund-payment", events.EventHandlerFunc(h.HandleOrderCancelled), events.OrderCancelledTopic)

	register(steps.Payment.Name(), steps.Payment, events.CompletePaymentRequestTopic)
	register(steps.Preparation.Name(), steps.Preparation, events.OrderConfirmedTopic, events.OrderSpiltTopic)
	register(steps.Delivery.Name(), steps.Delivery, events.OrderPreparedTopic)
}

// HandleOrderRequest takes the order under the aggregate id of the request
func (h *WorkflowEventHandlers) HandleOrderRequest(ctx context.Context, event *events.Event) error {
	var request events.OrderRequest
	if err := event.UnmarshalPayload(&request); err != nil {
		return errors.Wrap(err, "failed to decode order request")
	}

	order, err := h.takeOrder.Execute(ctx, &orderapp.TakeOrderCommand{
		OrderID:       event.AggregateID,
		Beverage:      request.Beverage,
		CustomerName:  request.CustomerName,
		CorrelationID: event.CorrelationID,
	})
	if err != nil {
		return err
	}

	h.logger.Info(h.logger.WithField(ctx, "order_id", order.ID.String()), "order taken")
	return nil
}

func (h *WorkflowEventHandlers) HandleOrderAccepted(ctx context.Context, event *events.Event) error {
	var accepted events.OrderAccepted
	if err := event.UnmarshalPayload(&accepted); err != nil {
		return errors.Wrap(err, "failed to decode order accepted")
	}

	payment, err := h.initiatePayment.Execute(ctx, &paymentapp.InitiatePaymentCommand{
		OrderID:       accepted.OrderID,
		Beverage:      accepted.Beverage,
		CorrelationID: event.CorrelationID,
	})
	if err != nil {
		return err
	}

	h.logger.Info(h.logger.WithFields(ctx, map[string]any{
		"order_id":   accepted.OrderID.String(),
		"payment_id": payment.ID.String(),
		"amount":     payment.Amount,
	}), "payment initiated")
	return nil
}

func (h *WorkflowEventHandlers) HandlePaymentCompleted(ctx context.Context, event *events.Event) error {
	var completed events.PaymentCompleted
	if err := event.UnmarshalPayload(&completed); err != nil {
		return errors.Wrap(err, "failed to decode payment completed")
	}

	_, err := h.confirmOrder.Execute(ctx, &orderapp.ConfirmOrderCommand{
		OrderID:       completed.OrderID,
		PaymentID:     completed.PaymentID,
		CorrelationID: event.CorrelationID,
	})
	return h.ignoreStaleTransition(ctx, event, err)
}

// HandleStepFailed cancels the order after a failed payment or preparation
func (h *WorkflowEventHandlers) HandleStepFailed(ctx context.Context, event *events.Event) error {
	var failed struct {
		OrderID models.ID `json:"orderId"`
	}
	if err := event.UnmarshalPayload(&failed); err != nil {
		return errors.Wrapf(err, "failed to decode %s", event.Topic)
	}

	_, err := h.cancelOrder.Execute(ctx, &orderapp.CancelOrderCommand{
		OrderID:       failed.OrderID,
		Reason:        event.Topic,
		CorrelationID: event.CorrelationID,
	})
	return h.ignoreStaleTransition(ctx, event, err)
}

func (h *WorkflowEventHandlers) HandleOrderCancelled(ctx context.Context, event *events.Event) error {
	var cancelled events.OrderCancelled
	if err := event.UnmarshalPayload(&cancelled); err != nil {
		return errors.Wrap(err, "failed to decode order cancelled")
	}

	refunded, err := h.refundPayment.Execute(ctx, &paymentapp.RefundPaymentCommand{
		OrderID:       cancelled.OrderID,
		CorrelationID: event.CorrelationID,
	})
	if err != nil {
		return err
	}

	if !refunded {
		h.logger.Debug(h.logger.WithField(ctx, "order_id", cancelled.OrderID.String()), "nothing to refund")
	}
	return nil
}

// ignoreStaleTransition acknowledges events that arrive after the order
// already moved on. Retrying them can never succeed.
func (h *WorkflowEventHandlers) ignoreStaleTransition(ctx context.Context, event *events.Event, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, orderdomain.ErrInvalidOrderTransition) {
		h.logger.Warn(h.logger.WithFields(ctx, map[string]any{
			"event_id": event.ID.String(),
			"topic":    event.Topic.String(),
		}), "ignoring event for order in a later state", err)
		return nil
	}
	return err
}
