package application

import (
	"context"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/pkg/errors"
)

var _ saga.StepExecutor[events.CompletePaymentRequest] = (*CompletePayment)(nil)

// CompletePayment asks the payment gateway whether a payment went through
// and records the answer on the payment. It is the executor of the payment
// step; ClassifyPayment turns its outcome into the completed or failed
// event.
type CompletePayment struct {
	paymentRepository domain.PaymentRepository
	gateway           saga.StatusOracle
}

// NewCompletePayment creates a new CompletePayment executor
func NewCompletePayment(paymentRepository domain.PaymentRepository, gateway saga.StatusOracle) *CompletePayment {
	return &CompletePayment{
		paymentRepository: paymentRepository,
		gateway:           gateway,
	}
}

// Execute resolves the payment, checks it with the gateway and stores the
// settled status. A payment that is already settled is answered from its
// stored status without asking the gateway again.
func (uc *CompletePayment) Execute(ctx context.Context, request events.CompletePaymentRequest) (saga.Outcome[events.CompletePaymentRequest], error) {
	var none saga.Outcome[events.CompletePaymentRequest]

	if request.PaymentID.IsZero() {
		return none, errors.New("payment ID is required")
	}

	payment, err := uc.paymentRepository.FindByID(ctx, request.PaymentID)
	if err != nil {
		return none, errors.Wrap(err, "failed to find payment")
	}
	if payment == nil {
		return none, errors.Wrapf(domain.ErrPaymentNotFound, "payment %s", request.PaymentID)
	}

	request.OrderID = payment.OrderID
	request.Amount = payment.Amount

	switch payment.Status {
	case domain.PaymentStatusCompleted, domain.PaymentStatusRefunded:
		return saga.Outcome[events.CompletePaymentRequest]{Request: request, Success: true}, nil
	case domain.PaymentStatusFailed:
		return saga.Outcome[events.CompletePaymentRequest]{Request: request, Success: false}, nil
	}

	succeeded, err := uc.gateway.Check(ctx, payment.ID.String())
	if err != nil {
		return none, errors.Wrapf(err, "payment %s", payment.ID)
	}

	if err := payment.Settle(succeeded); err != nil {
		return none, err
	}
	if err := uc.paymentRepository.Update(ctx, payment); err != nil {
		return none, errors.Wrap(err, "failed to update payment")
	}

	return saga.Outcome[events.CompletePaymentRequest]{Request: request, Success: succeeded}, nil
}

// ClassifyPayment maps a gateway answer to payment-completed or
// payment-failed.
func ClassifyPayment(outcome saga.Outcome[events.CompletePaymentRequest]) saga.Result[events.PaymentCompleted, events.PaymentFailed] {
	if outcome.Success {
		return saga.Succeeded[events.PaymentCompleted, events.PaymentFailed](events.PaymentCompleted{
			PaymentID: outcome.Request.PaymentID,
			OrderID:   outcome.Request.OrderID,
		})
	}
	return saga.Failed[events.PaymentCompleted](events.PaymentFailed{
		PaymentID: outcome.Request.PaymentID,
		OrderID:   outcome.Request.OrderID,
	})
}
