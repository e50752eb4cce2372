package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestChannelSinkDelivery(t *testing.T) {
	s := NewChannelSink(4, zaptest.NewLogger(t).Sugar())

	s.Push(StateChange{Visible: true, Focused: true})
	s.Push(LossPending{WhenNS: 42})

	ev := <-s.Events()
	sc, ok := ev.(StateChange)
	require.True(t, ok)
	assert.True(t, sc.Visible)
	assert.True(t, sc.Focused)

	ev = <-s.Events()
	lp, ok := ev.(LossPending)
	require.True(t, ok)
	assert.EqualValues(t, 42, lp.WhenNS)
}

func TestChannelSinkDropsOldestWhenFull(t *testing.T) {
	s := NewChannelSink(2, zaptest.NewLogger(t).Sugar())

	s.Push(DisplayRefreshChanged{FromHz: 60, ToHz: 72})
	s.Push(OverlayChange{Visible: false})
	s.Push(Lost{}) // overflows: the refresh-changed event goes

	ev := <-s.Events()
	_, ok := ev.(OverlayChange)
	assert.True(t, ok)

	ev = <-s.Events()
	_, ok = ev.(Lost)
	assert.True(t, ok)
}

func TestFanout(t *testing.T) {
	a := NewChannelSink(4, zaptest.NewLogger(t).Sugar())
	b := NewChannelSink(4, zaptest.NewLogger(t).Sugar())

	f := Fanout{a, nil, b, Discard{}}
	f.Push(StateChange{Visible: true})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}
