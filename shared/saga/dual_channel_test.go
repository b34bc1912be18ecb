package saga

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coffeehut/workflow/shared/events"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedOracle answers per identifier and counts calls.
type scriptedOracle struct {
	mu      sync.Mutex
	answers map[string]bool
	err     error
	calls   []string
}

func (o *scriptedOracle) Check(_ context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, id)
	if o.err != nil {
		return false, o.err
	}
	return o.answers[id], nil
}

func (o *scriptedOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func oracleExecutor[R interface{ AggregateID() models.ID }](oracle StatusOracle) StepExecutor[R] {
	return StepExecutorFunc[R](func(ctx context.Context, request R) (Outcome[R], error) {
		ok, err := oracle.Check(ctx, request.AggregateID().String())
		if err != nil {
			return Outcome[R]{}, err
		}
		return Outcome[R]{Request: request, Success: ok}, nil
	})
}

func classifyPreparation(outcome Outcome[events.OrderConfirmed]) Result[events.OrderPrepared, events.OrderPreparationFailed] {
	if outcome.Success {
		return Succeeded[events.OrderPrepared, events.OrderPreparationFailed](events.OrderPrepared{
			OrderID:      outcome.Request.OrderID,
			Beverage:     outcome.Request.Beverage,
			CustomerName: outcome.Request.CustomerName,
		})
	}
	return Failed[events.OrderPrepared](events.OrderPreparationFailed{OrderID: outcome.Request.OrderID})
}

func classifyDelivery(outcome Outcome[events.OrderPrepared]) Result[events.OrderServed, events.OrderSpilt] {
	if outcome.Success {
		return Succeeded[events.OrderServed, events.OrderSpilt](events.OrderServed{OrderID: outcome.Request.OrderID})
	}
	return Failed[events.OrderServed](events.OrderSpilt{
		OrderID:      outcome.Request.OrderID,
		Beverage:     outcome.Request.Beverage,
		CustomerName: outcome.Request.CustomerName,
	})
}

func feed[R any](requests ...R) <-chan R {
	ch := make(chan R, len(requests))
	for _, r := range requests {
		ch <- r
	}
	close(ch)
	return ch
}

func collect[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var items []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, item)
		case <-timeout:
			t.Fatalf("output did not complete, got %d items", len(items))
			return items
		}
	}
}

func attachBoth[S, F any](t *testing.T, success *Output[S], failure *Output[F]) (<-chan S, <-chan F) {
	t.Helper()
	successCh, err := success.Attach(context.Background())
	require.NoError(t, err)
	failureCh, err := failure.Attach(context.Background())
	require.NoError(t, err)
	return successCh, failureCh
}

func TestDualChannelPublisher_Scenarios(t *testing.T) {
	t.Run("prepared order goes to success output", func(t *testing.T) {
		oracle := &scriptedOracle{answers: map[string]bool{"o1": true}}
		publisher := NewDualChannelPublisher("prepare-order", oracleExecutor[events.OrderConfirmed](oracle), classifyPreparation)

		success, failure := publisher.Run(context.Background(), feed(events.OrderConfirmed{OrderID: "o1", Beverage: "Americano", CustomerName: "Tony Stark"}))
		successCh, failureCh := attachBoth(t, success, failure)

		assert.Equal(t, []events.OrderPrepared{{OrderID: "o1", Beverage: "Americano", CustomerName: "Tony Stark"}}, collect(t, successCh))
		assert.Empty(t, collect(t, failureCh))
		assert.NoError(t, success.Err())
		assert.NoError(t, failure.Err())
	})

	t.Run("failed preparation goes to failure output", func(t *testing.T) {
		oracle := &scriptedOracle{answers: map[string]bool{"o2": false}}
		publisher := NewDualChannelPublisher("prepare-order", oracleExecutor[events.OrderConfirmed](oracle), classifyPreparation)

		success, failure := publisher.Run(context.Background(), feed(events.OrderConfirmed{OrderID: "o2", Beverage: "Latte", CustomerName: "Pepper Potts"}))
		successCh, failureCh := attachBoth(t, success, failure)

		assert.Empty(t, collect(t, successCh))
		assert.Equal(t, []events.OrderPreparationFailed{{OrderID: "o2"}}, collect(t, failureCh))
	})

	t.Run("delivery spilt then served keeps acceptance order", func(t *testing.T) {
		oracle := &scriptedOracle{answers: map[string]bool{"o3": false, "o4": true}}
		publisher := NewDualChannelPublisher("serve-order", oracleExecutor[events.OrderPrepared](oracle), classifyDelivery, WithConcurrency(2))

		success, failure := publisher.Run(context.Background(), feed(
			events.OrderPrepared{OrderID: "o3", Beverage: "Mocha", CustomerName: "Bruce"},
			events.OrderPrepared{OrderID: "o4", Beverage: "Flat White", CustomerName: "Natasha"},
		))
		successCh, failureCh := attachBoth(t, success, failure)

		assert.Equal(t, []events.OrderServed{{OrderID: "o4"}}, collect(t, successCh))
		assert.Equal(t, []events.OrderSpilt{{OrderID: "o3", Beverage: "Mocha", CustomerName: "Bruce"}}, collect(t, failureCh))
		assert.ElementsMatch(t, []string{"o3", "o4"}, oracle.calls)
	})

	t.Run("oracle error terminates both outputs", func(t *testing.T) {
		oracle := &scriptedOracle{err: errors.Wrap(ErrOracleUnavailable, "dial tcp 127.0.0.1:1: connection refused")}
		publisher := NewDualChannelPublisher("prepare-order", oracleExecutor[events.OrderConfirmed](oracle), classifyPreparation)

		success, failure := publisher.Run(context.Background(), feed(events.OrderConfirmed{OrderID: "o5"}))
		successCh, failureCh := attachBoth(t, success, failure)

		assert.Empty(t, collect(t, successCh))
		assert.Empty(t, collect(t, failureCh))
		assert.ErrorIs(t, success.Err(), ErrOracleUnavailable)
		assert.ErrorIs(t, failure.Err(), ErrOracleUnavailable)
	})
}

func TestDualChannelPublisher_ExecutesEachRequestOnce(t *testing.T) {
	const total = 200

	var executions atomic.Int64
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		executions.Add(1)
		return Outcome[int]{Request: n, Success: n%3 != 0}, nil
	})
	classify := func(o Outcome[int]) Result[string, int] {
		if o.Success {
			return Succeeded[string, int](fmt.Sprint(o.Request))
		}
		return Failed[string](o.Request)
	}

	requests := make(chan int)
	go func() {
		defer close(requests)
		for i := 0; i < total; i++ {
			requests <- i
		}
	}()

	publisher := NewDualChannelPublisher("count", executor, classify, WithConcurrency(8), WithCompletionOrder())
	success, failure := publisher.Run(context.Background(), requests)
	successCh, failureCh := attachBoth(t, success, failure)

	var succeeded []string
	var failed []int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); succeeded = collect(t, successCh) }()
	go func() { defer wg.Done(); failed = collect(t, failureCh) }()
	wg.Wait()

	assert.Equal(t, int64(total), executions.Load())
	assert.Equal(t, total, len(succeeded)+len(failed))

	seen := make(map[int]bool, total)
	for _, s := range succeeded {
		var n int
		_, err := fmt.Sscan(s, &n)
		require.NoError(t, err)
		assert.NotZero(t, n%3, "success output got failure request %d", n)
		seen[n] = true
	}
	for _, n := range failed {
		assert.Zero(t, n%3, "failure output got success request %d", n)
		assert.False(t, seen[n], "request %d routed twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, total)
}

func TestDualChannelPublisher_WaitsForBothAttachments(t *testing.T) {
	oracle := &scriptedOracle{answers: map[string]bool{"o1": true}}
	requests := make(chan events.OrderConfirmed, 1)
	requests <- events.OrderConfirmed{OrderID: "o1"}

	publisher := NewDualChannelPublisher("prepare-order", oracleExecutor[events.OrderConfirmed](oracle), classifyPreparation)
	success, failure := publisher.Run(context.Background(), requests)

	successCh, err := success.Attach(context.Background())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, oracle.callCount())
	assert.Len(t, requests, 1)

	failureCh, err := failure.Attach(context.Background())
	require.NoError(t, err)

	select {
	case prepared := <-successCh:
		assert.Equal(t, models.ID("o1"), prepared.OrderID)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not start after second attachment")
	}

	close(requests)
	assert.Empty(t, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.Equal(t, 1, oracle.callCount())
}

func TestDualChannelPublisher_PreservesAcceptanceOrder(t *testing.T) {
	const total = 10

	executor := StepExecutorFunc[int](func(ctx context.Context, n int) (Outcome[int], error) {
		time.Sleep(time.Duration(total-n) * 2 * time.Millisecond)
		return Outcome[int]{Request: n, Success: n%2 == 0}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] {
		if o.Success {
			return Succeeded[int, int](o.Request)
		}
		return Failed[int](o.Request)
	}

	requests := make([]int, total)
	for i := range requests {
		requests[i] = i
	}

	publisher := NewDualChannelPublisher("ordered", executor, classify, WithConcurrency(4))
	success, failure := publisher.Run(context.Background(), feed(requests...))
	successCh, failureCh := attachBoth(t, success, failure)

	var evens, odds []int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); evens = collect(t, successCh) }()
	go func() { defer wg.Done(); odds = collect(t, failureCh) }()
	wg.Wait()

	assert.Equal(t, []int{0, 2, 4, 6, 8}, evens)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, odds)
}

func TestDualChannelPublisher_CompletionOrder(t *testing.T) {
	release := make(chan struct{})
	executor := StepExecutorFunc[string](func(ctx context.Context, id string) (Outcome[string], error) {
		if id == "slow" {
			<-release
		}
		return Outcome[string]{Request: id, Success: true}, nil
	})
	classify := func(o Outcome[string]) Result[string, string] {
		return Succeeded[string, string](o.Request)
	}

	publisher := NewDualChannelPublisher("completion", executor, classify, WithConcurrency(2), WithCompletionOrder())
	success, failure := publisher.Run(context.Background(), feed("slow", "fast"))
	successCh, failureCh := attachBoth(t, success, failure)

	select {
	case first := <-successCh:
		assert.Equal(t, "fast", first)
	case <-time.After(5 * time.Second):
		t.Fatal("fast outcome was held back by slow one")
	}

	close(release)
	assert.Equal(t, []string{"slow"}, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
}

func TestDualChannelPublisher_OneSidedConsumptionDoesNotBlock(t *testing.T) {
	const total = 500

	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		return Outcome[int]{Request: n, Success: n%2 == 0}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] {
		if o.Success {
			return Succeeded[int, int](o.Request)
		}
		return Failed[int](o.Request)
	}

	requests := make([]int, total)
	for i := range requests {
		requests[i] = i
	}

	publisher := NewDualChannelPublisher("one-sided", executor, classify)
	success, failure := publisher.Run(context.Background(), feed(requests...))

	// The failure side is attached but never read.
	successCh, failureCh := attachBoth(t, success, failure)

	assert.Len(t, collect(t, successCh), total/2)

	select {
	case <-failure.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("failure output did not complete")
	}
	assert.Len(t, collect(t, failureCh), total/2)
}

func TestDualChannelPublisher_UnclassifiedOutcomeIsFatal(t *testing.T) {
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		return Outcome[int]{Request: n, Success: true}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] {
		if o.Request == 2 {
			return Result[int, int]{}
		}
		return Succeeded[int, int](o.Request)
	}

	publisher := NewDualChannelPublisher("broken", executor, classify)
	success, failure := publisher.Run(context.Background(), feed(1, 2, 3))
	successCh, failureCh := attachBoth(t, success, failure)

	assert.Equal(t, []int{1}, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.ErrorIs(t, success.Err(), ErrUnclassified)
	assert.ErrorIs(t, failure.Err(), ErrUnclassified)
}

func TestDualChannelPublisher_OutcomesBeforeFailureAreDelivered(t *testing.T) {
	boom := errors.Wrap(ErrOracleUnavailable, "status 503")
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		if n == 3 {
			return Outcome[int]{}, boom
		}
		return Outcome[int]{Request: n, Success: n != 2}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] {
		if o.Success {
			return Succeeded[int, int](o.Request)
		}
		return Failed[int](o.Request)
	}

	publisher := NewDualChannelPublisher("partial", executor, classify)
	success, failure := publisher.Run(context.Background(), feed(1, 2, 3, 4))
	successCh, failureCh := attachBoth(t, success, failure)

	assert.Equal(t, []int{1}, collect(t, successCh))
	assert.Equal(t, []int{2}, collect(t, failureCh))
	assert.ErrorIs(t, success.Err(), ErrOracleUnavailable)
	assert.ErrorIs(t, failure.Err(), ErrOracleUnavailable)
}

func TestDualChannelPublisher_FailureLeavesQueuedRequests(t *testing.T) {
	var executions atomic.Int64
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		executions.Add(1)
		// Give the accept loop time to reach for the next request.
		time.Sleep(20 * time.Millisecond)
		return Outcome[int]{}, errors.Wrap(ErrOracleUnavailable, "connection reset")
	})
	classify := func(o Outcome[int]) Result[int, int] { return Succeeded[int, int](o.Request) }

	requests := make(chan int, 3)
	requests <- 1
	requests <- 2
	requests <- 3

	publisher := NewDualChannelPublisher("failing", executor, classify)
	success, failure := publisher.Run(context.Background(), requests)
	successCh, failureCh := attachBoth(t, success, failure)

	assert.Empty(t, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.ErrorIs(t, success.Err(), ErrOracleUnavailable)
	assert.ErrorIs(t, failure.Err(), ErrOracleUnavailable)

	assert.Equal(t, int64(1), executions.Load())
	require.Len(t, requests, 2)
	assert.Equal(t, 2, <-requests)
	assert.Equal(t, 3, <-requests)
}

func TestDualChannelPublisher_NoExecutionStartsAfterCancel(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var executions atomic.Int64
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		executions.Add(1)
		started <- struct{}{}
		<-release
		return Outcome[int]{Request: n, Success: true}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] { return Succeeded[int, int](o.Request) }

	requests := make(chan int, 2)
	requests <- 1
	requests <- 2

	ctx, cancel := context.WithCancel(context.Background())
	publisher := NewDualChannelPublisher("stopping", executor, classify)
	success, failure := publisher.Run(ctx, requests)
	successCh, failureCh := attachBoth(t, success, failure)

	<-started
	cancel()
	close(release)

	assert.Equal(t, []int{1}, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.NoError(t, success.Err())
	assert.Equal(t, int64(1), executions.Load())
	require.Len(t, requests, 1)
	assert.Equal(t, 2, <-requests)
}

func TestDualChannelPublisher_CancelBeforeActivation(t *testing.T) {
	var executions atomic.Int64
	executor := StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		executions.Add(1)
		return Outcome[int]{Request: n, Success: true}, nil
	})
	classify := func(o Outcome[int]) Result[int, int] { return Succeeded[int, int](o.Request) }

	ctx, cancel := context.WithCancel(context.Background())
	publisher := NewDualChannelPublisher("cancelled", executor, classify)
	success, failure := publisher.Run(ctx, feed(1, 2))
	cancel()

	select {
	case <-success.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("success output not closed after cancellation")
	}
	<-failure.Done()

	successCh, failureCh := attachBoth(t, success, failure)
	assert.Empty(t, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.NoError(t, success.Err())
	assert.Zero(t, executions.Load())
}

func TestDualChannelPublisher_CancelDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	executor := StepExecutorFunc[int](func(ctx context.Context, n int) (Outcome[int], error) {
		close(started)
		<-release
		return Outcome[int]{Request: n, Success: true}, ctx.Err()
	})
	classify := func(o Outcome[int]) Result[int, int] { return Succeeded[int, int](o.Request) }

	requests := make(chan int, 1)
	requests <- 7

	ctx, cancel := context.WithCancel(context.Background())
	publisher := NewDualChannelPublisher("draining", executor, classify)
	success, failure := publisher.Run(ctx, requests)
	successCh, failureCh := attachBoth(t, success, failure)

	<-started
	cancel()
	close(release)

	assert.Equal(t, []int{7}, collect(t, successCh))
	assert.Empty(t, collect(t, failureCh))
	assert.NoError(t, success.Err())
	assert.NoError(t, failure.Err())
}

func TestOutput_AttachOnce(t *testing.T) {
	publisher := NewDualChannelPublisher("attach", StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		return Outcome[int]{Request: n}, nil
	}), func(o Outcome[int]) Result[int, int] { return Failed[int](o.Request) })

	success, failure := publisher.Run(context.Background(), feed[int]())

	_, err := success.Attach(context.Background())
	require.NoError(t, err)
	_, err = success.Attach(context.Background())
	assert.ErrorIs(t, err, ErrOutputAlreadyAttached)

	require.NoError(t, failure.Discard(context.Background()))
	assert.ErrorIs(t, failure.Discard(context.Background()), ErrOutputAlreadyAttached)

	select {
	case <-success.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not complete with discarded failure output")
	}
}

func TestOutput_DetachedConsumer(t *testing.T) {
	publisher := NewDualChannelPublisher("detach", StepExecutorFunc[int](func(_ context.Context, n int) (Outcome[int], error) {
		return Outcome[int]{Request: n, Success: true}, nil
	}), func(o Outcome[int]) Result[int, int] { return Succeeded[int, int](o.Request) })

	requests := make(chan int)
	success, failure := publisher.Run(context.Background(), requests)

	ctx, cancel := context.WithCancel(context.Background())
	successCh, err := success.Attach(ctx)
	require.NoError(t, err)
	require.NoError(t, failure.Discard(context.Background()))

	requests <- 1
	assert.Equal(t, 1, <-successCh)

	cancel()
	assert.Empty(t, collect(t, successCh))
	assert.ErrorIs(t, success.Err(), context.Canceled)

	requests <- 2
	close(requests)
	<-success.Done()
}
