package utils

import (
	"context"
	"errors"

	"go.uber.org/atomic"
)

var ErrPromiseCanceled = errors.New("promise canceled")

// Promise carries the result of an asynchronous operation. It is fulfilled exactly once:
// the first Resolve, Reject or Cancel wins and later calls report false.
type Promise[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

func (p *Promise[T]) Resolve(value T) bool {
	return p.settle(value, nil)
}

func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

// Cancel rejects the promise with ErrPromiseCanceled. A task whose promise is canceled
// before it starts is skipped.
func (p *Promise[T]) Cancel() bool {
	return p.Reject(ErrPromiseCanceled)
}

func (p *Promise[T]) settle(value T, err error) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.value = value
	p.err = err
	close(p.done)
	return true
}

func (p *Promise[T]) IsSettled() bool {
	return p.settled.Load()
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise is fulfilled or ctx is done
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking, ok is false while pending
func (p *Promise[T]) Result() (value T, ok bool, err error) {
	select {
	case <-p.done:
		return p.value, true, p.err
	default:
		var zero T
		return zero, false, nil
	}
}
