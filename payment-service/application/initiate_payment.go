package application

import (
	"context"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// InitiatePaymentCommand represents the command to open a payment for an
// accepted order
type InitiatePaymentCommand struct {
	OrderID       models.ID
	Beverage      string
	CorrelationID models.ID
}

// InitiatePayment opens a payment priced from the beverage
type InitiatePayment struct {
	paymentRepository domain.PaymentRepository
	eventPublisher    events.Publisher
}

// NewInitiatePayment creates a new InitiatePayment use case
func NewInitiatePayment(paymentRepository domain.PaymentRepository, eventPublisher events.Publisher) *InitiatePayment {
	return &InitiatePayment{
		paymentRepository: paymentRepository,
		eventPublisher:    eventPublisher,
	}
}

// Execute persists the payment and publishes payment-initiated
func (uc *InitiatePayment) Execute(ctx context.Context, cmd *InitiatePaymentCommand) (*domain.Payment, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	payment, err := domain.InitiatePayment(cmd.OrderID, domain.PriceOf(cmd.Beverage))
	if err != nil {
		return nil, errors.Wrap(err, "failed to initiate payment")
	}

	if err := uc.paymentRepository.Save(ctx, payment); err != nil {
		return nil, errors.Wrap(err, "failed to save payment")
	}

	if err := publishPaymentEvents(ctx, uc.eventPublisher, payment, cmd.CorrelationID); err != nil {
		return nil, err
	}

	return payment, nil
}

func (uc *InitiatePayment) validateCommand(cmd *InitiatePaymentCommand) error {
	if cmd == nil {
		return errors.New("command is required")
	}
	if cmd.OrderID.IsZero() {
		return errors.New("order ID is required")
	}
	if cmd.Beverage == "" {
		return errors.New("beverage is required")
	}
	return nil
}

func publishPaymentEvents(ctx context.Context, publisher events.Publisher, payment *domain.Payment, correlationID models.ID) error {
	pending := payment.Events()
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

	payment.ClearEvents()
	return nil
}
