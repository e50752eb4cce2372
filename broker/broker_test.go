package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/errors"
	"github.com/lumenxr/lumen/events"
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/native"
	"github.com/lumenxr/lumen/pacing"
)

// activate makes a client a visible, session-active participant.
func activate(t *testing.T, p *Proxy) {
	t.Helper()
	require.NoError(t, p.SetState(true, true))
	require.NoError(t, p.BeginSession(native.SessionInfo{}))
}

// submitQuad runs one full client frame: predict, wait, begin, one
// quad, commit. Returns the frame id and the quad's swapchain id.
func submitQuad(t *testing.T, p *Proxy, sync handle.Sync) (int64, uint64) {
	t.Helper()

	_, _, _, _, err := p.PredictFrame()
	require.NoError(t, err)
	frameID, displayNS, err := p.WaitFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.BeginFrame(frameID))

	sc, err := p.CreateSwapchain(handle.SwapchainInfo{Width: 64, Height: 64, ImageCount: 2})
	require.NoError(t, err)
	t.Cleanup(sc.Release)

	require.NoError(t, p.LayerBegin(frame.Data{
		FrameID:   frameID,
		DisplayNS: displayNS,
		BlendMode: frame.BlendOpaque,
	}))
	require.NoError(t, p.LayerQuad(frame.SubImage{Swapchain: sc}, LayerDesc{
		Extent: frame.Extent{Width: 1, Height: 1},
	}))
	require.NoError(t, p.LayerCommit(sync))
	return frameID, sc.ID
}

// frameWithLayers finds a committed native frame with the exact layer
// swapchain sequence.
func frameWithLayers(h *native.Headless, want ...uint64) bool {
	for _, f := range h.Frames() {
		if len(f.Layers) != len(want) {
			continue
		}
		match := true
		for i, l := range f.Layers {
			if len(l.SwapchainIDs) != 1 || l.SwapchainIDs[0] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestWarmStart(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) { cfg.Compositor.WarmStart = true })
	rig.broker.Start()

	// Exactly one native session cycle runs with no client involved.
	assert.Eventually(t, func() bool {
		calls := rig.headless.SessionCalls()
		return len(calls) == 2 && calls[0] == "begin_session" && calls[1] == "end_session"
	}, eventually, tick)

	// A connected client that never begins its session changes nothing.
	_, _ = rig.connect(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rig.broker.ActiveCount())
	assert.Len(t, rig.headless.SessionCalls(), 2)
	assert.Equal(t, StateStopped, rig.broker.State())
}

func TestAggregatedSessionFollowsClients(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()
	p, _ := rig.connect(t)

	assert.Equal(t, StateStopped, rig.broker.State())
	assert.False(t, rig.headless.SessionActive())

	require.NoError(t, p.BeginSession(native.SessionInfo{}))
	assert.Eventually(t, func() bool {
		return rig.broker.State() == StateRunning && rig.headless.SessionActive()
	}, eventually, tick)

	require.NoError(t, p.EndSession())
	assert.Eventually(t, func() bool {
		return rig.broker.State() == StateStopped && !rig.headless.SessionActive()
	}, eventually, tick)
}

func TestSingleClientSingleFrame(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()
	p, rec := rig.connect(t)
	activate(t, p)

	sync, fence := rig.headless.NewFenceSync()
	frameID, scID := submitQuad(t, p, sync)
	fence.Signal()

	assert.Eventually(t, func() bool {
		return frameWithLayers(rig.headless, scID)
	}, eventually, tick)
	assert.EqualValues(t, frameID, p.DeliveredFrameID())

	rig.broker.DestroyClient(p)

	assert.Equal(t, []pacing.Point{
		pacing.PointWakeUp,
		pacing.PointBegin,
		pacing.PointSubmit,
		pacing.PointGPUDone,
		pacing.PointDelivered,
		pacing.PointRetired,
	}, rec.pointsFor(frameID))
}

func TestTwoClientsZOrder(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()

	// Connect back-to-front: B first with the higher z, then A. The
	// stable sort, not insertion order, must put A's quad first.
	clientB, _ := rig.connect(t)
	activate(t, clientB)
	require.NoError(t, clientB.SetZOrder(10))

	clientA, _ := rig.connect(t)
	activate(t, clientA)
	require.NoError(t, clientA.SetZOrder(0))

	_, scB := submitQuad(t, clientB, handle.InvalidSync())
	_, scA := submitQuad(t, clientA, handle.InvalidSync())

	assert.Eventually(t, func() bool {
		return frameWithLayers(rig.headless, scA, scB)
	}, eventually, tick)
}

func TestVisibilityFlipRetiresDelivered(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()

	sink := events.NewChannelSink(16, rig.log)
	p, err := rig.broker.CreateClient(sink)
	require.NoError(t, err)
	rec := p.pacer.(*recordingPacer)
	activate(t, p)

	frameID, scID := submitQuad(t, p, handle.InvalidSync())
	assert.Eventually(t, func() bool {
		return frameWithLayers(rig.headless, scID)
	}, eventually, tick)

	require.NoError(t, p.SetState(false, false))
	assert.Eventually(t, func() bool {
		return rec.has(frameID, pacing.PointRetired)
	}, eventually, tick)

	// The flip itself pushed exactly one more state-change event on
	// top of the activation's.
	assert.Len(t, sink.Events(), 2)

	// Once retired, no further native frame carries the quad.
	before := len(rig.headless.Frames())
	assert.Eventually(t, func() bool {
		frames := rig.headless.Frames()
		if len(frames) <= before {
			return false
		}
		return len(frames[len(frames)-1].Layers) == 0
	}, eventually, tick)
}

func TestBackloggedFramesDeliverInOrder(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()
	p, rec := rig.connect(t)
	activate(t, p)

	first, _ := submitQuad(t, p, handle.InvalidSync())
	assert.Eventually(t, func() bool {
		return rec.has(first, pacing.PointDelivered)
	}, eventually, tick)

	second, _ := submitQuad(t, p, handle.InvalidSync())
	assert.Eventually(t, func() bool {
		return rec.has(second, pacing.PointDelivered)
	}, eventually, tick)

	// Completed frames deliver in completion order, never reordered.
	rec.mu.Lock()
	firstAt, secondAt := -1, -1
	for i, pt := range rec.points {
		if pt.point != pacing.PointDelivered {
			continue
		}
		switch pt.frameID {
		case first:
			firstAt = i
		case second:
			secondAt = i
		}
	}
	rec.mu.Unlock()
	require.NotEqual(t, -1, firstAt)
	require.NotEqual(t, -1, secondAt)
	assert.Less(t, firstAt, secondAt)

	// The replaced delivery retired the first frame.
	assert.True(t, rec.has(first, pacing.PointRetired))
}

func TestFatalBroadcastsLost(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.broker.Start()

	sink := events.NewChannelSink(16, rig.log)
	p, err := rig.broker.CreateClient(sink)
	require.NoError(t, err)
	activate(t, p)

	rig.broker.Fatal(errors.New("native compositor lost"))

	assert.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sink.Events():
				if _, ok := ev.(events.Lost); ok {
					return true
				}
			default:
				return false
			}
		}
	}, eventually, tick)
	assert.Equal(t, StateStopped, rig.broker.State())

	// Operations after the fatal report shutdown.
	_, err = rig.broker.CreateClient(nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
