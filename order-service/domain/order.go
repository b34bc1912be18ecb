package domain

import (
	"context"
	"strings"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidOrderTransition = errors.New("invalid order status transition")
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order aggregate root
type Order struct {
	ID           models.ID
	Beverage     string
	CustomerName string
	Status       OrderStatus
	Timestamps   models.Timestamps
	Version      models.Version

	events []*events.Event
}

// TakeOrder factory method
func TakeOrder(beverage, customerName string) (*Order, error) {
	return TakeOrderWithID(models.GenerateUUID(), beverage, customerName)
}

// TakeOrderWithID takes an order under an identifier chosen by the caller
func TakeOrderWithID(id models.ID, beverage, customerName string) (*Order, error) {
	if id.IsZero() {
		return nil, errors.New("order ID is required")
	}

	beverage = strings.TrimSpace(beverage)
	customerName = strings.TrimSpace(customerName)

	if beverage == "" {
		return nil, errors.New("beverage is required")
	}
	if customerName == "" {
		return nil, errors.New("customer name is required")
	}

	order := &Order{
		ID:           id,
		Beverage:     beverage,
		CustomerName: customerName,
		Status:       OrderStatusAccepted,
		Timestamps:   models.NewTimestamps(),
		Version:      models.NewVersion(),
	}

	order.recordEvent(events.NewEvent(order.ID, events.OrderAcceptedTopic, events.OrderAccepted{
		OrderID:      order.ID,
		Beverage:     order.Beverage,
		CustomerName: order.CustomerName,
	}))
	return order, nil
}

// Confirm marks a paid order as confirmed
func (o *Order) Confirm() error {
	if o.Status != OrderStatusAccepted {
		return errors.Wrapf(ErrInvalidOrderTransition, "cannot confirm %s order", o.Status)
	}

	o.transition(OrderStatusConfirmed)
	o.recordEvent(events.NewEvent(o.ID, events.OrderConfirmedTopic, events.OrderConfirmed{
		OrderID:      o.ID,
		Beverage:     o.Beverage,
		CustomerName: o.CustomerName,
	}))
	return nil
}

// Cancel marks the order as cancelled. Accepted and confirmed orders can be
// cancelled.
func (o *Order) Cancel() error {
	if o.Status == OrderStatusCancelled {
		return errors.Wrap(ErrInvalidOrderTransition, "order is already cancelled")
	}

	o.transition(OrderStatusCancelled)
	o.recordEvent(events.NewEvent(o.ID, events.OrderCancelledTopic, events.OrderCancelled{
		OrderID: o.ID,
	}))
	return nil
}

func (o *Order) transition(status OrderStatus) {
	o.Status = status
	o.Timestamps = o.Timestamps.Touch()
	o.Version = o.Version.Next()
}

// Events returns domain events
func (o *Order) Events() []*events.Event {
	return o.events
}

// ClearEvents clears domain events
func (o *Order) ClearEvents() {
	o.events = make([]*events.Event, 0)
}

func (o *Order) recordEvent(event *events.Event) {
	o.events = append(o.events, event)
}

// OrderRepository persists orders. FindByID returns nil, nil when the order
// does not exist.
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id models.ID) (*Order, error)
}
