package application

import (
	"context"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// RefundPaymentCommand represents the command to refund the payment of a
// cancelled order
type RefundPaymentCommand struct {
	OrderID       models.ID
	CorrelationID models.ID
}

// RefundPayment compensates a cancelled order. Only completed payments are
// refunded; for any other payment nothing happens.
type RefundPayment struct {
	paymentRepository domain.PaymentRepository
	eventPublisher    events.Publisher
}

// NewRefundPayment creates a new RefundPayment use case
func NewRefundPayment(paymentRepository domain.PaymentRepository, eventPublisher events.Publisher) *RefundPayment {
	return &RefundPayment{
		paymentRepository: paymentRepository,
		eventPublisher:    eventPublisher,
	}
}

// Execute refunds the payment of the order. It returns false when there was
// nothing to refund.
func (uc *RefundPayment) Execute(ctx context.Context, cmd *RefundPaymentCommand) (bool, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return false, errors.Wrap(err, "invalid command")
	}

	payment, err := uc.paymentRepository.FindByOrderID(ctx, cmd.OrderID)
	if err != nil {
		return false, errors.Wrap(err, "failed to find payment")
	}
	if payment == nil || payment.Status != domain.PaymentStatusCompleted {
		return false, nil
	}

	if err := payment.Refund(); err != nil {
		return false, err
	}

	if err := uc.paymentRepository.Update(ctx, payment); err != nil {
		return false, errors.Wrap(err, "failed to update payment")
	}

	if err := publishPaymentEvents(ctx, uc.eventPublisher, payment, cmd.CorrelationID); err != nil {
		return false, err
	}

	return true, nil
}

func (uc *RefundPayment) validateCommand(cmd *RefundPaymentCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if cmd.OrderID.IsZero() {
		return errors.New("order ID is required")
	}
	return nil
}
