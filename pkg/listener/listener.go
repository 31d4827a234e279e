package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a single goroutine. Every input is handled
// sequentially, which is what the partition executor and the log flusher rely on.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	onError     func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	done   chan struct{}
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		onError: func(err error) {
			panic("channel listener error: " + err.Error())
		},
		done: make(chan struct{}),
	}
}

// OnError replaces the default handler-error behaviour (panic). Must be called before Start.
func (l *Listener[T]) OnError(fn func(error)) *Listener[T] {
	l.onError = fn
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer close(l.done)
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.onError(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Done is closed when the loop goroutine exits.
func (l *Listener[T]) Done() <-chan struct{} {
	return l.done
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
