package chrono

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowNS(t *testing.T) {
	clk := clockwork.NewFakeClock()
	want := clk.Now().UnixNano()
	assert.Equal(t, want, NowNS(clk))
}

func TestSleepUntilNSPastDeadline(t *testing.T) {
	clk := clockwork.NewFakeClock()
	// A deadline already behind the clock returns without blocking.
	require.NoError(t, SleepUntilNS(context.Background(), clk, NowNS(clk)-1000))
}

func TestSleepUntilNSWakes(t *testing.T) {
	clk := clockwork.NewFakeClock()
	deadline := NowNS(clk) + int64(5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- SleepUntilNS(context.Background(), clk, deadline)
	}()

	clk.BlockUntil(1)
	clk.Advance(5 * time.Millisecond)
	require.NoError(t, <-done)
}

func TestSleepNSCancelled(t *testing.T) {
	clk := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- SleepNS(ctx, clk, int64(time.Second))
	}()

	clk.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
