package application

import (
	"context"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// ConfirmOrderCommand represents the command to confirm a paid order
type ConfirmOrderCommand struct {
	OrderID       models.ID
	PaymentID     models.ID
	CorrelationID models.ID
}

// ConfirmOrder marks an order as confirmed once its payment completed
type ConfirmOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
}

// NewConfirmOrder creates a new ConfirmOrder use case
func NewConfirmOrder(orderRepository domain.OrderRepository, eventPublisher events.Publisher) *ConfirmOrder {
	return &ConfirmOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
	}
}

// Execute confirms the order and publishes order-confirmed
func (uc *ConfirmOrder) Execute(ctx context.Context, cmd *ConfirmOrderCommand) (*domain.Order, error) {
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

	if err := order.Confirm(); err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Update(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to update order")
	}

	if err := publishOrderEvents(ctx, uc.eventPublisher, order, cmd.CorrelationID); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *ConfirmOrder) validateCommand(cmd *ConfirmOrderCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if cmd.OrderID.IsZero() {
		return errors.New("order ID is required")
	}
	return nil
}
