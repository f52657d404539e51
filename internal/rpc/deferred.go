package rpc

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadySettled = errors.New("rpc: deferred already settled")

// Deferred is a handler outcome that may complete after dispatch returns.
// A handler returns one as its result value to answer asynchronously.
type Deferred struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolved returns an already-settled Deferred.
func Resolved(v any, err error) *Deferred {
	d := NewDeferred()
	d.settle(v, err)
	return d
}

func (d *Deferred) Resolve(v any) error {
	return d.settle(v, nil)
}

func (d *Deferred) Reject(err error) error {
	if err == nil {
		err = errors.New("rpc: rejected")
	}
	return d.settle(nil, err)
}

func (d *Deferred) settle(v any, err error) error {
	settled := false
	d.once.Do(func() {
		d.value, d.err = v, err
		close(d.done)
		settled = true
	})
	if !settled {
		return ErrAlreadySettled
	}
	return nil
}

func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until d settles or ctx ends. A Deferred resolved with another
// Deferred is followed to its final value.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	cur := d
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cur.done:
		}
		next, ok := cur.value.(*Deferred)
		if !ok || cur.err != nil || next == nil {
			return cur.value, cur.err
		}
		cur = next
	}
}
