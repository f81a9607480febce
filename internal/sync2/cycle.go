package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle is a controllable cyclic event: it repeatedly calls a function at a
// fixed interval until stopped. It drives the failure detector's probe loop.
type Cycle struct {
	interval time.Duration

	initOnce sync.Once
	control  chan controlRequest
	stopOnce sync.Once
	stopped  chan struct{}
}

type controlRequest struct {
	kind     requestKind
	response chan struct{}
}

type requestKind int

const (
	requestPause requestKind = iota
	requestRestart
	requestChangeInterval
	requestTrigger
)

// NewCycle creates a new cycle with the given interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows changing the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) ensureSetup() {
	cycle.initOnce.Do(func() {
		cycle.control = make(chan controlRequest)
		cycle.stopped = make(chan struct{})
	})
}

// Start runs the cycle in a goroutine added to group, invoking fn every
// interval until the group's context is canceled, Stop is called, or fn
// returns an error.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	group.Go(func() error {
		return cycle.Run(ctx, fn)
	})
}

// Run runs the cycle in the current goroutine, blocking until ctx is
// canceled, Stop is called, or fn returns an error.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.ensureSetup()

	// A cycle without a positive interval never ticks: it starts paused and
	// calls fn only when triggered.
	paused := cycle.interval <= 0
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	if !paused {
		ticker = time.NewTicker(cycle.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	due := !paused
	for {
		if due {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		due = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cycle.stopped:
			return nil
		case <-tick:
			due = !paused
		case req := <-cycle.control:
			switch req.kind {
			case requestPause:
				paused = true
			case requestRestart:
				paused = false
				if ticker != nil {
					ticker.Reset(cycle.interval)
				}
			case requestChangeInterval:
				if ticker != nil {
					ticker.Reset(cycle.interval)
				}
			case requestTrigger:
				if err := fn(ctx); err != nil {
					if req.response != nil {
						close(req.response)
					}
					return err
				}
			}
			if req.response != nil {
				close(req.response)
			}
		}
	}
}

func (cycle *Cycle) send(kind requestKind, wait bool) {
	cycle.ensureSetup()
	var resp chan struct{}
	if wait {
		resp = make(chan struct{})
	}
	select {
	case cycle.control <- controlRequest{kind: kind, response: resp}:
	case <-cycle.stopped:
		return
	}
	if wait {
		select {
		case <-resp:
		case <-cycle.stopped:
		}
	}
}

// Pause stops the cyclic calls without stopping the goroutine.
func (cycle *Cycle) Pause() { cycle.send(requestPause, false) }

// Restart resumes a paused cycle, resetting the timer.
func (cycle *Cycle) Restart() { cycle.send(requestRestart, false) }

// Trigger requests an immediate call to fn without waiting for completion.
func (cycle *Cycle) Trigger() { cycle.send(requestTrigger, false) }

// TriggerWait requests an immediate call to fn and waits for it to finish.
func (cycle *Cycle) TriggerWait() { cycle.send(requestTrigger, true) }

// ChangeInterval changes the interval of an already-running cycle.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.interval = interval
	cycle.send(requestChangeInterval, false)
}

// Stop stops the cycle's Run loop after its current iteration.
func (cycle *Cycle) Stop() {
	cycle.ensureSetup()
	cycle.stopOnce.Do(func() {
		close(cycle.stopped)
	})
}

// Close is an alias for Stop, matching the teacher's io.Closer convention.
func (cycle *Cycle) Close() error {
	cycle.Stop()
	return nil
}
