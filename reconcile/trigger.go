// Package reconcile replays stored envelopes that could not be completed
// when they first arrived: pending events waiting for the message they
// reference, and whole batches that failed to process.
package reconcile

import (
	"context"
	"time"
)

// Debouncer coalesces bursts of triggers into few runs of one function.
//
// In leading mode the first trigger runs immediately and opens a window;
// triggers inside the window collapse into one run when it closes, which
// opens a new window. In trailing mode every run happens at the end of a
// window that the first trigger opens.
type Debouncer struct {
	window  time.Duration
	leading bool
	run     func(ctx context.Context)
	trigger chan struct{}
}

// NewDebouncer creates a Debouncer. Run must be called to start it.
func NewDebouncer(window time.Duration, leading bool, run func(ctx context.Context)) *Debouncer {
	return &Debouncer{
		window:  window,
		leading: leading,
		run:     run,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a run. It never blocks.
func (d *Debouncer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drives the debouncer until ctx is cancelled. Runs happen on this
// goroutine, so they never overlap.
func (d *Debouncer) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	openWindow := func() {
		if timer == nil {
			timer = time.NewTimer(d.window)
		} else {
			timer.Reset(d.window)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			if timerC != nil {
				pending = true
				continue
			}
			if d.leading {
				d.run(ctx)
			} else {
				pending = true
			}
			openWindow()
		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			d.run(ctx)
			if d.leading {
				openWindow()
			}
		}
	}
}
