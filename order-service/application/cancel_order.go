package application

import (
	"context"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// CancelOrderCommand represents the command to cancel an order after a
// failed payment or preparation
type CancelOrderCommand struct {
	OrderID       models.ID
	Reason        events.Topic
	CorrelationID models.ID
}

// CancelOrder compensates a failed step by cancelling the order
type CancelOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewCancelOrder creates a new CancelOrder use case
func NewCancelOrder(orderRepository domain.OrderRepository, eventPublisher events.Publisher) *CancelOrder {
	return &CancelOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute cancels the order and publishes order-cancelled
func (uc *CancelOrder) Execute(ctx context.Context, cmd *CancelOrderCommand) (*domain.Order, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	order, err := uc.orderRepository.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", cmd.OrderID)
	}

	if err := order.Cancel(); err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Update(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to update order")
	}

	if cmd.Reason != "" {
		for _, event := range order.Events() {
			event.WithMetadata("reason", cmd.Reason.String())
		}
	}

	if err := publishOrderEvents(ctx, uc.eventPublisher, order, cmd.CorrelationID); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *CancelOrder) validateCommand(cmd *CancelOrderCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if cmd.OrderID.IsZero() {
		return errors.New("order ID is required")
	}
	return nil
}
