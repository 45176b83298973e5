package run

import (
	"context"
	"sync"
)

type outcome[T any] struct {
	val T
	err error
}

// Deferred is a single-slot promise that settles exactly once. Producers
// call Resolve or Reject; the first settle wins and later calls report
// false. Await may be called repeatedly and from multiple goroutines.
type Deferred[T any] struct {
	mu      sync.Mutex
	settled bool
	ch      chan outcome[T]
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{ch: make(chan outcome[T], 1)}
}

// Resolve settles the deferred with a value.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(outcome[T]{val: v})
}

// Reject settles the deferred with an error.
func (d *Deferred[T]) Reject(err error) bool {
	return d.settle(outcome[T]{err: err})
}

func (d *Deferred[T]) settle(o outcome[T]) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	d.ch <- o
	return true
}

// Settled reports whether Resolve or Reject has already happened.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Await blocks until the deferred settles or ctx ends. The slot is put
// back after reading so repeated awaits see the same outcome.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case o := <-d.ch:
		d.ch <- o
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
