package framework

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultInterval is used when Loop.Interval is not set.
const DefaultInterval = 100 * time.Millisecond

// Loop runs controllers periodically until its context is canceled
// or a controller stops it.
type Loop struct {
	Interval time.Duration

	controllers []Controller
	lock        sync.Mutex

	wakeUpCh chan struct{}
}

type loopIteration struct {
	ctx       context.Context
	time      time.Time
	iteration uint64
	stop      bool
}

// NewLoop creates a Loop.
func NewLoop() *Loop {
	return &Loop{Interval: DefaultInterval, wakeUpCh: make(chan struct{}, 1)}
}

// AddController registers controllers to the loop.
func (l *Loop) AddController(ctls ...Controller) *Loop {
	l.lock.Lock()
	l.controllers = append(l.controllers, ctls...)
	l.lock.Unlock()
	return l
}

// TriggerNext schedules an iteration immediately.
func (l *Loop) TriggerNext() {
	select {
	case l.wakeUpCh <- struct{}{}:
	default:
	}
}

// Run implements Runnable. It returns ctx.Err() on cancellation and
// nil when a controller stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var iteration uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.wakeUpCh:
		}
		// A tick may race with cancellation, cancellation wins.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		iteration++
		if !l.runIteration(ctx, iteration) {
			return nil
		}
	}
}

func (l *Loop) runIteration(ctx context.Context, iteration uint64) bool {
	iter := &loopIteration{ctx: ctx, time: time.Now(), iteration: iteration}
	l.lock.Lock()
	ctls := l.controllers
	l.lock.Unlock()
	for _, ctl := range ctls {
		if err := ctl.Control(iter); err != nil {
			glog.Errorf("controller error: %v", err)
		}
		if iter.stop {
			return false
		}
	}
	return true
}

func (t *loopIteration) Context() context.Context { return t.ctx }
func (t *loopIteration) Time() time.Time          { return t.time }
func (t *loopIteration) Iteration() uint64        { return t.iteration }
func (t *loopIteration) Stop()                    { t.stop = true }
