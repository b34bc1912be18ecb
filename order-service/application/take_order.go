package application

import (
	"context"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// TakeOrderCommand represents the command to take a new order
type TakeOrderCommand struct {
	OrderID       models.ID `json:"orderId,omitempty"`
	Beverage      string    `json:"beverage"`
	CustomerName  string    `json:"customerName"`
	CorrelationID models.ID `json:"-"`
}

// TakeOrder accepts an order request and announces it
type TakeOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewTakeOrder creates a new TakeOrder use case
func NewTakeOrder(orderRepository domain.OrderRepository, eventPublisher events.Publisher) *TakeOrder {
	return &TakeOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute persists the order and publishes order-accepted. When the command
// names an order that was already taken, the stored order is returned and
// nothing is published.
func (uc *TakeOrder) Execute(ctx context.Context, cmd *TakeOrderCommand) (*domain.Order, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	orderID := cmd.OrderID
	if orderID.IsZero() {
		orderID = models.GenerateUUID()
	} else {
		existing, err := uc.orderRepository.FindByID(ctx, orderID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to find order")
		}
		if existing != nil {
			return existing, nil
		}
	}

	order, err := domain.TakeOrderWithID(orderID, cmd.Beverage, cmd.CustomerName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take order")
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	if err := publishOrderEvents(ctx, uc.eventPublisher, order, cmd.CorrelationID); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *TakeOrder) validateCommand(cmd *TakeOrderCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if cmd.Beverage == "" {
		return errors.New("beverage is required")
	}
	if cmd.CustomerName == "" {
		return errors.New("customer name is required")
	}
	return nil
}

// publishOrderEvents publishes the pending events of order under the given
// correlation and clears them.
func publishOrderEvents(ctx context.Context, publisher events.Publisher, order *domain.Order, correlationID models.ID) error {
	pending := order.Events()
	if len(pending) == 0 {
		return nil
	}

	for _, event := range pending {
		if correlationID.IsZero() {
			correlationID = event.ID
		}
		event.WithCorrelationID(correlationID)
	}

	if err := publisher.Publish(ctx, pending...); err != nil {
		return errors.Wrap(err, "failed to publish events")
	}

	order.ClearEvents()
	return nil
}
