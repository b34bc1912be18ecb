package saga

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrOutputAlreadyAttached = errors.New("output already attached")

// attachGate opens once every expected party has attached.
type attachGate struct {
	remaining atomic.Int32
	ready     chan struct{}
}

func newAttachGate(parties int32) *attachGate {
	g := &attachGate{ready: make(chan struct{})}
	g.remaining.Store(parties)
	return g
}

func (g *attachGate) arrive() {
	if g.remaining.Add(-1) == 0 {
		close(g.ready)
	}
}

// Output is one side of a DualChannelPublisher. Items are buffered without
// bound until the attached consumer takes them, so a slow or idle consumer
// never holds back the pipeline or the opposite output.
type Output[T any] struct {
	name string
	gate *attachGate

	attached atomic.Bool
	signal   chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	items     []T
	closed    bool
	err       error
	detachErr error
}

func newOutput[T any](name string, gate *attachGate) *Output[T] {
	return &Output[T]{
		name:   name,
		gate:   gate,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name identifies the output in logs, e.g. "success" or "failure".
func (o *Output[T]) Name() string {
	return o.name
}

// Attach registers the single consumer of this output. The returned channel
// yields every routed item in order and is closed once the pipeline has
// completed and the buffer is drained, or when ctx ends.
func (o *Output[T]) Attach(ctx context.Context) (<-chan T, error) {
	if !o.attached.CompareAndSwap(false, true) {
		return nil, errors.Wrapf(ErrOutputAlreadyAttached, "%s output", o.name)
	}

	ch := make(chan T)
	go o.forward(ctx, ch)
	o.gate.arrive()

	return ch, nil
}

// Discard attaches a consumer that drops every item. Use it for the side a
// caller has no interest in so the pipeline can still start.
func (o *Output[T]) Discard(ctx context.Context) error {
	ch, err := o.Attach(ctx)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Done is closed when the pipeline has finished routing into this output.
func (o *Output[T]) Done() <-chan struct{} {
	return o.done
}

// Err reports why the output ended: the pipeline failure, the consumer's
// context error if it detached early, or nil after normal completion.
func (o *Output[T]) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.detachErr != nil {
		return o.detachErr
	}
	return o.err
}

func (o *Output[T]) push(item T) {
	o.mu.Lock()
	if o.detachErr != nil {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, item)
	o.mu.Unlock()
	o.notify()
}

func (o *Output[T]) close(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.err = err
	o.mu.Unlock()

	close(o.done)
	o.notify()
}

func (o *Output[T]) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Output[T]) next() (item T, ok bool, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) > 0 {
		item = o.items[0]
		var zero T
		o.items[0] = zero
		o.items = o.items[1:]
		return item, true, false
	}
	return item, false, o.closed
}

func (o *Output[T]) forward(ctx context.Context, ch chan<- T) {
	defer close(ch)

	for {
		item, ok, closed := o.next()
		if ok {
			select {
			case ch <- item:
				continue
			case <-ctx.Done():
				o.detach(ctx.Err())
				return
			}
		}
		if closed {
			return
		}

		select {
		case <-o.signal:
		case <-ctx.Done():
			o.detach(ctx.Err())
			return
		}
	}
}

func (o *Output[T]) detach(err error) {
	o.mu.Lock()
	o.detachErr = err
	o.items = nil
	o.mu.Unlock()
}
