package link

import (
	"context"
	"sync"
)

// Future is the pending completion of an asynchronous transport call.
// The result is delivered once, nil on success.
type Future interface {
	ResultChan() <-chan error
}

// Promise is a Future resolved by its creator.
type Promise struct {
	ch   chan error
	once sync.Once
}

// NewPromise creates an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{ch: make(chan error, 1)}
}

// Resolve delivers the result. Only the first call has effect.
func (p *Promise) Resolve(err error) {
	p.once.Do(func() {
		p.ch <- err
		close(p.ch)
	})
}

// ResultChan implements Future.
func (p *Promise) ResultChan() <-chan error {
	return p.ch
}

// Resolved returns a Future already completed with err.
func Resolved(err error) Future {
	p := NewPromise()
	p.Resolve(err)
	return p
}

// Wait blocks until f completes or ctx is done.
func Wait(ctx context.Context, f Future) error {
	select {
	case err := <-f.ResultChan():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
