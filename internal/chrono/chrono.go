// Package chrono adapts clockwork clocks to the nanosecond timestamp
// domain the compositor core works in. All frame timing is expressed as
// nanoseconds since the Unix epoch (int64) as read from the clock;
// time.Time never crosses a compositor API boundary.
package chrono

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// NowNS returns the clock's current time as nanoseconds.
func NowNS(clk clockwork.Clock) int64 {
	return clk.Now().UnixNano()
}

// SleepUntilNS blocks until the clock reaches deadlineNS or the context
// is cancelled. Returns ctx.Err() on cancellation, nil otherwise.
// Deadlines at or before now return immediately.
func SleepUntilNS(ctx context.Context, clk clockwork.Clock, deadlineNS int64) error {
	d := time.Duration(deadlineNS - NowNS(clk))
	if d <= 0 {
		return ctx.Err()
	}
	return SleepNS(ctx, clk, int64(d))
}

// SleepNS blocks for durNS nanoseconds or until the context is
// cancelled, whichever comes first.
func SleepNS(ctx context.Context, clk clockwork.Clock, durNS int64) error {
	if durNS <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(time.Duration(durNS))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
