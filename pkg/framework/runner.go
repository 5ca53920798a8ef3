package framework

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

// ErrForcedExit is returned by Wait after a repeated stop signal.
var ErrForcedExit = errors.New("forced exit")

type namedRunnable struct {
	Runnable
	name string
}

func (r *namedRunnable) Name() string {
	return r.name
}

// NamedRun wraps a Runnable with a name used in logs.
func NamedRun(name string, runnable Runnable) Runnable {
	return &namedRunnable{name: name, Runnable: runnable}
}

func nameOf(runnable Runnable, index int) string {
	if named, ok := runnable.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("#%d", index)
}

// Runner runs a set of Runnables sharing one context until all of them
// return. Errors other than cancellation are aggregated by Wait.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started int
	results chan error
	forced  chan struct{}
}

// NewRunner creates a runner on a background context.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan error),
		forced:  make(chan struct{}),
	}
}

// HandleSignals stops the runner on SIGINT or SIGTERM. A second signal
// makes Wait return ErrForcedExit without waiting.
func (r *Runner) HandleSignals() *Runner {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		glog.Infof("%v: stopping", sig)
		r.Stop()
		<-sigCh
		glog.Error("stop requested again, force exit")
		close(r.forced)
	}()
	return r
}

// Stop cancels the context shared by all Runnables.
func (r *Runner) Stop() {
	r.cancel()
}

// Go starts Runnables. It must not be called concurrently with Wait.
func (r *Runner) Go(runnables ...Runnable) *Runner {
	for _, runnable := range runnables {
		name := nameOf(runnable, r.started)
		r.started++
		glog.V(4).Infof("runner %s started", name)
		go func(runnable Runnable) {
			err := runnable.Run(r.ctx)
			glog.V(4).Infof("runner %s stopped: %v", name, err)
			r.results <- err
		}(runnable)
	}
	return r
}

// Wait blocks until every started Runnable has returned.
func (r *Runner) Wait() error {
	defer r.cancel()
	var errs AggregatedError
	for pending := r.started; pending > 0; pending-- {
		select {
		case err := <-r.results:
			if !errors.Is(err, context.Canceled) {
				errs.Add(err)
			}
		case <-r.forced:
			return ErrForcedExit
		}
	}
	r.started = 0
	return errs.Aggregate()
}

// RunWithContextCancel runs fn, which has no context of its own. When ctx
// is done before fn returns, onCancel must make fn return, and the result
// is ctx.Err().
func RunWithContextCancel(ctx context.Context, onCancel func(), fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	if onCancel != nil {
		onCancel()
	}
	<-done
	return ctx.Err()
}

// RunWithContextCloser runs fn and closes closer once, either to unblock
// fn on cancellation or after fn returns.
func RunWithContextCloser(ctx context.Context, closer io.Closer, fn func() error) error {
	stop := context.AfterFunc(ctx, func() { closer.Close() })
	err := fn()
	if stop() {
		closer.Close()
		return err
	}
	return ctx.Err()
}
