package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenxr/lumen/handle"
)

func newTestSwapchain(id uint64) *handle.Swapchain {
	return handle.NewSwapchain(id, handle.SwapchainInfo{Width: 128, Height: 128, ImageCount: 3}, nil, nil)
}

func quadLayer(sc *handle.Swapchain) Layer {
	return Layer{
		Type:   LayerQuad,
		Extent: Extent{Width: 1, Height: 1},
		Sub:    []SubImage{{Swapchain: sc}},
	}
}

func TestSwapchainCountByType(t *testing.T) {
	assert.Equal(t, 2, LayerProjection.SwapchainCount(2))
	assert.Equal(t, 4, LayerProjectionDepth.SwapchainCount(2))
	assert.Equal(t, 1, LayerQuad.SwapchainCount(2))
	assert.Equal(t, 1, LayerEquirect2.SwapchainCount(1))
	assert.Equal(t, 0, LayerPassthrough.SwapchainCount(2))
}

func TestSlotSentinelInvariant(t *testing.T) {
	s := NewSlot()
	assert.False(t, s.Active)
	assert.Equal(t, SentinelFrameID, s.Data.FrameID)
	assert.Equal(t, 0, s.Count())

	s.Activate(Data{FrameID: 9, DisplayNS: 100, BlendMode: BlendOpaque})
	assert.True(t, s.Active)
	assert.EqualValues(t, 9, s.Data.FrameID)

	s.Reset()
	assert.False(t, s.Active)
	assert.Equal(t, SentinelFrameID, s.Data.FrameID)
	assert.Equal(t, 0, s.Count())
}

func TestAppendTakesReference(t *testing.T) {
	sc := newTestSwapchain(1)
	s := NewSlot()
	s.Activate(Data{FrameID: 1})

	require.NoError(t, s.Append(quadLayer(sc)))
	assert.EqualValues(t, 2, sc.Refs())

	s.Reset()
	assert.EqualValues(t, 1, sc.Refs())
}

func TestAppendInactiveSlot(t *testing.T) {
	s := NewSlot()
	err := s.Append(quadLayer(newTestSwapchain(1)))
	assert.ErrorIs(t, err, ErrSlotInactive)
}

func TestAppendBound(t *testing.T) {
	sc := newTestSwapchain(1)
	s := NewSlot()
	s.Activate(Data{FrameID: 1})

	for i := 0; i < MaxLayersPerFrame; i++ {
		require.NoError(t, s.Append(quadLayer(sc)))
	}
	err := s.Append(quadLayer(sc))
	assert.ErrorIs(t, err, ErrTooManyLayers)
	assert.Equal(t, MaxLayersPerFrame, s.Count())

	// The rejected append must not have taken a reference.
	assert.EqualValues(t, int32(1+MaxLayersPerFrame), sc.Refs())
	s.Reset()
	assert.EqualValues(t, 1, sc.Refs())
}

func TestMoveToTransfersWithoutRefcountChange(t *testing.T) {
	sc := newTestSwapchain(1)
	src := NewSlot()
	dst := NewSlot()

	src.Activate(Data{FrameID: 4, DisplayNS: 16_000_000})
	require.NoError(t, src.Append(quadLayer(sc)))
	refsBefore := sc.Refs()

	src.MoveTo(dst)

	assert.Equal(t, refsBefore, sc.Refs())
	assert.False(t, src.Active)
	assert.Equal(t, SentinelFrameID, src.Data.FrameID)
	assert.Equal(t, 0, src.Count())

	assert.True(t, dst.Active)
	assert.EqualValues(t, 4, dst.Data.FrameID)
	require.Equal(t, 1, dst.Count())
	assert.Same(t, sc, dst.Layers()[0].Sub[0].Swapchain)

	dst.Reset()
	assert.EqualValues(t, 1, sc.Refs())
}

func TestRefBalanceAcrossPipeline(t *testing.T) {
	// Three slots standing in for progress -> scheduled -> delivered.
	sc := newTestSwapchain(7)
	progress, scheduled, delivered := NewSlot(), NewSlot(), NewSlot()

	progress.Activate(Data{FrameID: 1})
	require.NoError(t, progress.Append(quadLayer(sc)))
	require.NoError(t, progress.Append(quadLayer(sc)))

	progress.MoveTo(scheduled)
	scheduled.MoveTo(delivered)
	delivered.Reset()

	// Every reference taken by the slots has been released.
	assert.EqualValues(t, 1, sc.Refs())
}
