package application

import (
	"context"
	"time"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

// GetOrderQuery represents the query to get an order
type GetOrderQuery struct {
	OrderID string `json:"orderId"`
}

// GetOrderResponse represents the response for getting an order
type GetOrderResponse struct {
	OrderID      string `json:"orderId"`
	Beverage     string `json:"beverage"`
	CustomerName string `json:"customerName"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// GetOrder use case
type GetOrder struct {
	orderRepository domain.OrderRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{
		orderRepository: orderRepository,
	}
}

// Execute executes the get order use case
func (uc *GetOrder) Execute(ctx context.Context, query *GetOrderQuery) (*GetOrderResponse, error) {
	if query.OrderID == "" {
		return nil, errors.New("order ID is required")
	}

	order, err := uc.orderRepository.FindByID(ctx, models.ID(query.OrderID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	if order == nil {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", query.OrderID)
	}

	return &GetOrderResponse{
		OrderID:      order.ID.String(),
		Beverage:     order.Beverage,
		CustomerName: order.CustomerName,
		Status:       string(order.Status),
		CreatedAt:    order.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    order.Timestamps.UpdatedAt.Format(time.RFC3339),
	}, nil
}
