package native

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
)

func newHeadless(t *testing.T) *Headless {
	return NewHeadless(60, clockwork.NewFakeClock(), zaptest.NewLogger(t).Sugar())
}

func TestSessionLifecycle(t *testing.T) {
	h := newHeadless(t)

	assert.False(t, h.SessionActive())
	require.NoError(t, h.BeginSession(SessionInfo{ViewCount: 2}))
	assert.True(t, h.SessionActive())
	assert.Error(t, h.BeginSession(SessionInfo{}))

	require.NoError(t, h.EndSession())
	assert.False(t, h.SessionActive())
	assert.Error(t, h.EndSession())

	assert.Equal(t, []string{"begin_session", "end_session"}, h.SessionCalls())
}

func TestPredictFrameMonotonic(t *testing.T) {
	h := newHeadless(t)

	id1, wake1, display1, period, err := h.PredictFrame()
	require.NoError(t, err)
	id2, _, display2, _, err := h.PredictFrame()
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
	assert.Greater(t, display2, display1)
	assert.InDelta(t, 16_666_666, period, 10)
	assert.LessOrEqual(t, wake1, display1)
}

func TestLayerRecording(t *testing.T) {
	h := newHeadless(t)
	sc, err := h.CreateSwapchain(handle.SwapchainInfo{Width: 32, Height: 32, ImageCount: 2})
	require.NoError(t, err)

	require.NoError(t, h.LayerBegin(frame.Data{FrameID: 1, DisplayNS: 100}))
	require.NoError(t, h.PushLayer(&frame.Layer{
		Type: frame.LayerQuad,
		Sub:  []frame.SubImage{{Swapchain: sc}},
	}))
	require.NoError(t, h.LayerCommit(handle.InvalidSync()))

	frames := h.Frames()
	require.Len(t, frames, 1)
	assert.EqualValues(t, 1, frames[0].Data.FrameID)
	require.Len(t, frames[0].Layers, 1)
	assert.Equal(t, frame.LayerQuad, frames[0].Layers[0].Type)
	assert.Equal(t, []uint64{sc.ID}, frames[0].Layers[0].SwapchainIDs)

	assert.Error(t, h.PushLayer(&frame.Layer{Type: frame.LayerQuad}))
}

func TestSwapchainLeakTracking(t *testing.T) {
	h := newHeadless(t)

	sc, err := h.CreateSwapchain(handle.SwapchainInfo{Width: 8, Height: 8, ImageCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, h.LiveSwapchains())

	sc.Release()
	assert.Equal(t, 0, h.LiveSwapchains())

	_, err = h.CreateSwapchain(handle.SwapchainInfo{})
	assert.Error(t, err)
}

func TestFenceImportConsumesHandle(t *testing.T) {
	h := newHeadless(t)

	sync, soft := h.NewFenceSync()
	require.True(t, sync.IsValid())

	f, err := h.ImportFence(sync)
	require.NoError(t, err)

	// Second import of the same handle fails: ownership moved.
	_, err = h.ImportFence(sync)
	assert.Error(t, err)

	soft.Signal()
	require.NoError(t, f.Wait(0))

	_, err = h.ImportFence(handle.InvalidSync())
	assert.Error(t, err)
}

func TestCreateSemaphore(t *testing.T) {
	h := newHeadless(t)

	sync, sem, err := h.CreateSemaphore()
	require.NoError(t, err)
	assert.True(t, sync.IsValid())
	require.NotNil(t, sem)
}

func TestDisplayRefreshRate(t *testing.T) {
	h := newHeadless(t)

	hz, err := h.GetDisplayRefreshRate()
	require.NoError(t, err)
	assert.EqualValues(t, 60, hz)

	require.NoError(t, h.RequestDisplayRefreshRate(72))
	hz, err = h.GetDisplayRefreshRate()
	require.NoError(t, err)
	assert.EqualValues(t, 72, hz)

	assert.Error(t, h.RequestDisplayRefreshRate(-1))
}
