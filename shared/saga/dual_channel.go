package saga

import (
	"context"

	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrOracleUnavailable = errors.New("status oracle unavailable")
	ErrUnclassified      = errors.New("outcome was not classified as success or failure")
)

// StatusOracle answers whether the step identified by id succeeded.
type StatusOracle interface {
	Check(ctx context.Context, id string) (bool, error)
}

// Outcome is the result of one status check together with the request that
// produced it.
type Outcome[R any] struct {
	Request R
	Success bool
}

// StepExecutor performs the status check for a single request. An error
// means the check could not be made and is never a negative outcome.
type StepExecutor[R any] interface {
	Execute(ctx context.Context, request R) (Outcome[R], error)
}

// StepExecutorFunc adapts a function to StepExecutor
type StepExecutorFunc[R any] func(ctx context.Context, request R) (Outcome[R], error)

func (f StepExecutorFunc[R]) Execute(ctx context.Context, request R) (Outcome[R], error) {
	return f(ctx, request)
}

type resultKind uint8

const (
	resultUnset resultKind = iota
	resultSuccess
	resultFailure
)

// Result holds exactly one of a success event S or a failure event F.
// The zero value holds neither and fails the pipeline when routed.
type Result[S, F any] struct {
	kind    resultKind
	success S
	failure F
}

func Succeeded[S, F any](event S) Result[S, F] {
	return Result[S, F]{kind: resultSuccess, success: event}
}

func Failed[S, F any](event F) Result[S, F] {
	return Result[S, F]{kind: resultFailure, failure: event}
}

func (r Result[S, F]) Success() (S, bool) {
	return r.success, r.kind == resultSuccess
}

func (r Result[S, F]) Failure() (F, bool) {
	return r.failure, r.kind == resultFailure
}

// Classifier turns an outcome into a success or failure event. It must be
// pure and total.
type Classifier[R, S, F any] func(outcome Outcome[R]) Result[S, F]

type publisherOptions struct {
	concurrency int
	ordered     bool
	logger      *logger.Logger
}

type PublisherOption func(*publisherOptions)

// WithConcurrency bounds the number of status checks in flight.
func WithConcurrency(n int) PublisherOption {
	return func(o *publisherOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithCompletionOrder routes outcomes as soon as their check returns instead
// of in acceptance order. Only meaningful with a concurrency above one.
func WithCompletionOrder() PublisherOption {
	return func(o *publisherOptions) {
		o.ordered = false
	}
}

func WithLogger(l *logger.Logger) PublisherOption {
	return func(o *publisherOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// DualChannelPublisher runs every inbound request through a StepExecutor
// exactly once and routes the classified result to one of two outputs.
//
// Processing starts only after both outputs have been attached. Both outputs
// complete together: normally when the inbound channel closes or the run
// context is cancelled, or with the executor error that stopped the run.
type DualChannelPublisher[R, S, F any] struct {
	name     string
	executor StepExecutor[R]
	classify Classifier[R, S, F]
	options  publisherOptions

	unstarted func(R)
}

func NewDualChannelPublisher[R, S, F any](
	name string,
	executor StepExecutor[R],
	classify Classifier[R, S, F],
	opts ...PublisherOption,
) *DualChannelPublisher[R, S, F] {
	options := publisherOptions{
		concurrency: 1,
		ordered:     true,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &DualChannelPublisher[R, S, F]{
		name:     name,
		executor: executor,
		classify: classify,
		options:  options,
	}
}

func (p *DualChannelPublisher[R, S, F]) Name() string {
	return p.name
}

// ReturnUnstarted registers fn to receive a request that was taken from the
// inbound channel but not started because the run was stopping.
func (p *DualChannelPublisher[R, S, F]) ReturnUnstarted(fn func(R)) {
	p.unstarted = fn
}

// Run wires requests to a fresh pair of outputs. Nothing is read from
// requests until both outputs are attached. Cancelling ctx stops acceptance;
// checks already in flight are completed and routed before the outputs close.
func (p *DualChannelPublisher[R, S, F]) Run(ctx context.Context, requests <-chan R) (*Output[S], *Output[F]) {
	gate := newAttachGate(2)
	success := newOutput[S]("success", gate)
	failure := newOutput[F]("failure", gate)

	go p.run(ctx, requests, gate, success, failure)

	return success, failure
}

func (p *DualChannelPublisher[R, S, F]) run(
	ctx context.Context,
	requests <-chan R,
	gate *attachGate,
	success *Output[S],
	failure *Output[F],
) {
	select {
	case <-gate.ready:
	case <-ctx.Done():
		success.close(nil)
		failure.close(nil)
		return
	}

	logCtx := p.options.logger.WithField(ctx, "step", p.name)
	p.options.logger.Debug(logCtx, "pipeline started")

	err := p.process(ctx, requests, success, failure)
	if err != nil {
		p.options.logger.Error(logCtx, "pipeline failed", err)
	} else {
		p.options.logger.Debug(logCtx, "pipeline completed")
	}

	success.close(err)
	failure.close(err)
}

type slotResult[R any] struct {
	outcome Outcome[R]
	err     error
	skipped bool
}

func (p *DualChannelPublisher[R, S, F]) process(
	ctx context.Context,
	requests <-chan R,
	success *Output[S],
	failure *Output[F],
) error {
	// Checks must outlive the caller's cancellation so in-flight outcomes can
	// still be routed; workCtx is only cancelled when the run fails.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	g, gctx := errgroup.WithContext(workCtx)

	// acceptCtx ends acceptance on caller cancellation or on the first failed
	// check, whichever comes first.
	acceptCtx, stopAccepting := context.WithCancel(gctx)
	defer stopAccepting()
	stopOnCancel := context.AfterFunc(ctx, stopAccepting)
	defer stopOnCancel()

	slots := semaphore.NewWeighted(int64(p.options.concurrency))
	routed := make(chan chan slotResult[R], p.options.concurrency)
	var execErr error

	go func() {
		defer func() {
			execErr = g.Wait()
			close(routed)
		}()

		for {
			// A request is only taken once a slot is free, so it is never held
			// while an earlier check decides the fate of the run.
			if err := slots.Acquire(acceptCtx, 1); err != nil {
				return
			}

			// In acceptance order the slot is queued before the request is taken.
			slot := make(chan slotResult[R], 1)
			if p.options.ordered {
				routed <- slot
			}

			request, ok := p.next(ctx, acceptCtx, requests)
			if !ok {
				slot <- slotResult[R]{skipped: true}
				slots.Release(1)
				return
			}

			g.Go(func() error {
				defer slots.Release(1)

				outcome, err := p.executor.Execute(gctx, request)
				if err != nil {
					stopAccepting()
				}
				slot <- slotResult[R]{outcome: outcome, err: err}
				if !p.options.ordered {
					routed <- slot
				}
				return err
			})
		}
	}()

	var routeErr error
	for slot := range routed {
		res := <-slot
		if res.skipped || routeErr != nil {
			continue
		}
		if res.err != nil {
			routeErr = res.err
			p.record(ctx, "error")
			continue
		}

		result := p.classify(res.outcome)
		switch result.kind {
		case resultSuccess:
			success.push(result.success)
			p.record(ctx, "success")
		case resultFailure:
			failure.push(result.failure)
			p.record(ctx, "failure")
		default:
			routeErr = errors.Wrapf(ErrUnclassified, "step %s", p.name)
			cancel()
		}
	}

	if errors.Is(routeErr, ErrUnclassified) {
		return routeErr
	}
	if execErr != nil {
		return execErr
	}
	return routeErr
}

// next takes one request unless the run is stopping. A request received in
// the same instant the run stops is handed back instead of being started.
func (p *DualChannelPublisher[R, S, F]) next(ctx, acceptCtx context.Context, requests <-chan R) (R, bool) {
	var zero R
	stopping := func() bool { return ctx.Err() != nil || acceptCtx.Err() != nil }
	if stopping() {
		return zero, false
	}

	select {
	case <-ctx.Done():
		return zero, false
	case <-acceptCtx.Done():
		return zero, false
	case request, ok := <-requests:
		if !ok {
			return zero, false
		}
		if stopping() {
			p.handBack(request)
			return zero, false
		}
		return request, true
	}
}

func (p *DualChannelPublisher[R, S, F]) handBack(request R) {
	if p.unstarted != nil {
		p.unstarted(request)
		return
	}
	p.options.logger.Warn(p.options.logger.WithField(context.Background(), "step", p.name),
		"request received after the run stopped was not started", nil)
}

func (p *DualChannelPublisher[R, S, F]) record(ctx context.Context, outcome string) {
	telemetry.RecordCounter(ctx, "saga_step_outcomes_total", "Classified outcomes per saga step", 1,
		attribute.String("step", p.name),
		attribute.String("outcome", outcome),
	)
}
