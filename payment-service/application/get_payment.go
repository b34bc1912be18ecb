package application

import (
	"context"
	"time"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// GetPaymentQuery represents the query to get a payment
type GetPaymentQuery struct {
	PaymentID string `json:"paymentId"`
}

// GetPaymentResponse represents the response for getting a payment
type GetPaymentResponse struct {
	PaymentID string  `json:"paymentId"`
	OrderID   string  `json:"orderId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

// GetPayment use case
type GetPayment struct {
	paymentRepository domain.PaymentRepository
}

// NewGetPayment creates a new GetPayment use case
func NewGetPayment(paymentRepository domain.PaymentRepository) *GetPayment {
	return &GetPayment{
		paymentRepository: paymentRepository,
	}
}

// Execute executes the get payment use case
func (uc *GetPayment) Execute(ctx context.Context, query *GetPaymentQuery) (*GetPaymentResponse, error) {
	if query.PaymentID == "" {
		return nil, errors.New("payment ID is required")
	}

	payment, err := uc.paymentRepository.FindByID(ctx, models.ID(query.PaymentID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find payment")
	}

	if payment == nil {
		return nil, errors.Wrapf(domain.ErrPaymentNotFound, "payment %s", query.PaymentID)
	}

	return &GetPaymentResponse{
		PaymentID: payment.ID.String(),
		OrderID:   payment.OrderID.String(),
		Amount:    payment.Amount,
		Status:    string(payment.Status),
		CreatedAt: payment.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt: payment.Timestamps.UpdatedAt.Format(time.RFC3339),
	}, nil
}
