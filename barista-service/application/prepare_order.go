package application

import (
	"context"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/pkg/errors"
)

var _ saga.StepExecutor[events.OrderConfirmed] = (*PrepareOrder)(nil)

// PrepareOrder asks the barista whether a confirmed order was prepared.
// Spilt orders come back through the same step with the same payload shape.
type PrepareOrder struct {
	barista saga.StatusOracle
}

// NewPrepareOrder creates a new PrepareOrder executor
func NewPrepareOrder(barista saga.StatusOracle) *PrepareOrder {
	return &PrepareOrder{barista: barista}
}

func (uc *PrepareOrder) Execute(ctx context.Context, request events.OrderConfirmed) (saga.Outcome[events.OrderConfirmed], error) {
	if request.OrderID.IsZero() {
		return saga.Outcome[events.OrderConfirmed]{}, errors.New("order ID is required")
	}

	prepared, err := uc.barista.Check(ctx, request.OrderID.String())
	if err != nil {
		return saga.Outcome[events.OrderConfirmed]{}, errors.Wrapf(err, "order %s", request.OrderID)
	}

	return saga.Outcome[events.OrderConfirmed]{Request: request, Success: prepared}, nil
}

// ClassifyPreparation maps the barista answer to order-prepared or
// order-preparation-failed.
func ClassifyPreparation(outcome saga.Outcome[events.OrderConfirmed]) saga.Result[events.OrderPrepared, events.OrderPreparationFailed] {
	order := outcome.Request
	if !outcome.Success {
		return saga.Failed[events.OrderPrepared](events.OrderPreparationFailed{OrderID: order.OrderID})
	}
	return saga.Succeeded[events.OrderPrepared, events.OrderPreparationFailed](events.OrderPrepared{
		OrderID:      order.OrderID,
		Beverage:     order.Beverage,
		CustomerName: order.CustomerName,
	})
}
