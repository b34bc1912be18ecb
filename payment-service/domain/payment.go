package domain

import (
	"context"
	"unicode/utf8"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrInvalidPaymentTransition = errors.New("invalid payment status transition")
)

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment aggregate root
type Payment struct {
	ID         models.ID
	OrderID    models.ID
	Amount     float64
	Status     PaymentStatus
	Timestamps models.Timestamps
	Version    models.Version

	events []*events.Event
}

// PriceOf returns the amount charged for a beverage: one unit per character
// of its name.
func PriceOf(beverage string) float64 {
	return float64(utf8.RuneCountInString(beverage))
}

// InitiatePayment factory method
func InitiatePayment(orderID models.ID, amount float64) (*Payment, error) {
	if orderID.IsZero() {
		return nil, errors.New("order ID is required")
	}
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}

	payment := &Payment{
		ID:         models.GenerateUUID(),
		OrderID:    orderID,
		Amount:     amount,
		Status:     PaymentStatusInitiated,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}

	payment.recordEvent(events.NewEvent(payment.ID, events.PaymentInitiatedTopic, events.PaymentInitiated{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
	}))
	return payment, nil
}

// Settle records the answer of the payment gateway. The matching
// completed or failed event is published by the payment step, not recorded
// here.
func (p *Payment) Settle(succeeded bool) error {
	if p.Status != PaymentStatusInitiated {
		return errors.Wrapf(ErrInvalidPaymentTransition, "cannot settle %s payment", p.Status)
	}

	if succeeded {
		p.transition(PaymentStatusCompleted)
	} else {
		p.transition(PaymentStatusFailed)
	}
	return nil
}

// Refund gives the money of a completed payment back
func (p *Payment) Refund() error {
	if p.Status != PaymentStatusCompleted {
		return errors.Wrapf(ErrInvalidPaymentTransition, "cannot refund %s payment", p.Status)
	}

	p.transition(PaymentStatusRefunded)
	p.recordEvent(events.NewEvent(p.ID, events.PaymentRefundedTopic, events.PaymentRefunded{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
	}))
	return nil
}

func (p *Payment) transition(status PaymentStatus) {
	p.Status = status
	p.Timestamps = p.Timestamps.Touch()
	p.Version = p.Version.Next()
}

// Events returns domain events
func (p *Payment) Events() []*events.Event {
	return p.events
}

// ClearEvents clears domain events
func (p *Payment) ClearEvents() {
	p.events = make([]*events.Event, 0)
}

func (p *Payment) recordEvent(event *events.Event) {
	p.events = append(p.events, event)
}

// PaymentRepository persists payments. Finders return nil, nil when nothing
// matches.
type PaymentRepository interface {
	Save(ctx context.Context, payment *Payment) error
	Update(ctx context.Context, payment *Payment) error
	FindByID(ctx context.Context, id models.ID) (*Payment, error)
	FindByOrderID(ctx context.Context, orderID models.ID) (*Payment, error)
}
