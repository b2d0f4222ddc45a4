package watchdog

import (
	"context"
	"time"
)

// Cancel stops a scheduled task. Calling it more than once is harmless.
type Cancel func()

// Scheduler runs a callback once after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Cancel
}

// WallClock is a Scheduler driven by wall-clock time.
type WallClock struct {
	// Resolution is how often the deadline is checked. Defaults to 100ms.
	Resolution time.Duration
}

// AfterFunc runs fn on its own goroutine once d of wall-clock time has passed.
// The monotonic clock is stripped so suspend/resume of the host counts as elapsed time.
func (w WallClock) AfterFunc(d time.Duration, fn func()) Cancel {
	resolution := w.Resolution
	if resolution <= 0 {
		resolution = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	endTime := toWallTime(time.Now()).Add(d)

	go func() {
		ticker := time.NewTicker(resolution)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !toWallTime(time.Now()).Before(endTime) {
					// Cancel may have raced with the tick.
					if ctx.Err() != nil {
						return
					}
					fn()
					return
				}
			}
		}
	}()

	return Cancel(cancel)
}

// toWallTime returns the time with monotonic clock stripped.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
