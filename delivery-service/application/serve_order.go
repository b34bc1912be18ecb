package application

import (
	"context"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/saga"
	"github.com/pkg/errors"
)

var _ saga.StepExecutor[events.OrderPrepared] = (*ServeOrder)(nil)

// ServeOrder asks the waiter whether a prepared order reached the customer
type ServeOrder struct {
	waiter saga.StatusOracle
}

func NewServeOrder(waiter saga.StatusOracle) *ServeOrder {
	return &ServeOrder{waiter: waiter}
}

func (uc *ServeOrder) Execute(ctx context.Context, request events.OrderPrepared) (saga.Outcome[events.OrderPrepared], error) {
	if request.OrderID.IsZero() {
		return saga.Outcome[events.OrderPrepared]{}, errors.New("order ID is required")
	}

	served, err := uc.waiter.Check(ctx, request.OrderID.String())
	if err != nil {
		return saga.Outcome[events.OrderPrepared]{}, errors.Wrapf(err, "order %s", request.OrderID)
	}

	return saga.Outcome[events.OrderPrepared]{Request: request, Success: served}, nil
}

// ClassifyDelivery maps the waiter answer to order-served or order-spilt.
// A spilt order keeps its beverage and customer so it can be prepared again.
func ClassifyDelivery(outcome saga.Outcome[events.OrderPrepared]) saga.Result[events.OrderServed, events.OrderSpilt] {
	order := outcome.Request
	if outcome.Success {
		return saga.Succeeded[events.OrderServed, events.OrderSpilt](events.OrderServed{OrderID: order.OrderID})
	}
	return saga.Failed[events.OrderServed](events.OrderSpilt{
		OrderID:      order.OrderID,
		Beverage:     order.Beverage,
		CustomerName: order.CustomerName,
	})
}
