package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/errors"
	"github.com/lumenxr/lumen/events"
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/internal/chrono"
	"github.com/lumenxr/lumen/native"
	"github.com/lumenxr/lumen/pacing"
)

// deliverSlackNS is the tolerance around a scheduled frame's display
// time when the broker decides whether to deliver it this cycle.
const deliverSlackNS int64 = 500_000

// ThreadHint classifies an app thread for scheduling purposes. The
// core accepts and ignores hints; platforms that can act on them do so
// below the broker.
type ThreadHint int

const (
	ThreadHintApplicationMain ThreadHint = iota
	ThreadHintApplicationWorker
	ThreadHintRenderingMain
	ThreadHintRenderingWorker
)

// LayerDesc carries the per-layer fields every layer type shares.
type LayerDesc struct {
	Flags         frame.LayerFlags
	EyeVisibility frame.EyeVisibility
	Pose          frame.Pose
	Extent        frame.Extent
	ColorScale    *frame.Color
	ColorBias     *frame.Color
	Blend         *frame.BlendFactors
	MinDisplayNS  int64
}

// Proxy is the per-client compositor object an app session talks to.
// It owns the client's pacer, its three-slot layer pipeline and its
// wait worker, and forwards resource and session calls to the native
// compositor.
//
// Thread model: the app's own thread calls the frame and layer APIs;
// the proxy's wait worker handles GPU completion; the broker main loop
// touches scheduled (under the slot lock) and delivered (broker thread
// only, by convention).
type Proxy struct {
	ID uuid.UUID

	b      *Broker
	native native.Compositor
	pacer  pacing.Pacer
	sink   events.Sink
	clk    clockwork.Clock
	cfg    config.CompositorConfig
	log    *zap.SugaredLogger

	// Client session state, guarded by the broker's list lock.
	visible       bool
	focused       bool
	zOrder        int64
	sessionActive bool
	mainVisible   bool
	lossPendingNS int64
	lost          bool
	refreshHz     float32

	// slotMu guards scheduled and the next-display hint.
	slotMu        sync.Mutex
	progress      *frame.Slot
	scheduled     *frame.Slot
	delivered     *frame.Slot
	nextDisplayNS int64
	nextPeriodNS  int64

	// lastDelivered mirrors the delivered frame id for observers.
	lastDelivered atomic.Int64

	// Client-thread frame state. No lock: one client thread by
	// contract, and begin/commit exclusion is the wait worker's.
	layerOpen    bool
	begunFrameID int64
	prediction   struct {
		frameID   int64
		wakeNS    int64
		displayNS int64
		valid     bool
	}

	wait waitWorker
}

func newProxy(b *Broker, sink events.Sink, log *zap.SugaredLogger) *Proxy {
	if sink == nil {
		sink = events.Discard{}
	}
	id := uuid.New()
	p := &Proxy{
		ID:           id,
		b:            b,
		native:       b.native,
		sink:         sink,
		clk:          b.clk,
		cfg:          b.cfg,
		log:          log.With("client_id", id.String()[:8]),
		progress:     frame.NewSlot(),
		scheduled:    frame.NewSlot(),
		delivered:    frame.NewSlot(),
		begunFrameID: frame.SentinelFrameID,
		refreshHz:    0,
	}
	p.pacer = b.newPacer(p.log.Named("pacer"))
	p.lastDelivered.Store(frame.SentinelFrameID)
	p.wait.init()
	go p.waitLoop()
	return p
}

// ---------------------------------------------------------------------
// Frame pacing API
// ---------------------------------------------------------------------

// PredictFrame returns the next frame id, wake-up time, predicted
// display time and period for this client.
func (p *Proxy) PredictFrame() (frameID, wakeNS, displayNS, periodNS int64, err error) {
	if !p.wait.isAlive() {
		return 0, 0, 0, 0, ErrShuttingDown
	}
	now := chrono.NowNS(p.clk)
	frameID, wakeNS, displayNS, periodNS = p.pacer.Predict(now)
	p.prediction.frameID = frameID
	p.prediction.wakeNS = wakeNS
	p.prediction.displayNS = displayNS
	p.prediction.valid = true
	return frameID, wakeNS, displayNS, periodNS, nil
}

// MarkFrame records a client-observed lifecycle point.
func (p *Proxy) MarkFrame(frameID int64, point pacing.Point, whenNS int64) {
	p.pacer.MarkPoint(frameID, point, whenNS)
}

// WaitFrame sleeps until the predicted wake-up time of the outstanding
// prediction (predicting first if there is none) and marks WAKE_UP.
func (p *Proxy) WaitFrame(ctx context.Context) (frameID, displayNS int64, err error) {
	if !p.prediction.valid {
		if frameID, _, _, _, err = p.PredictFrame(); err != nil {
			return 0, 0, err
		}
	}
	frameID = p.prediction.frameID
	displayNS = p.prediction.displayNS
	p.prediction.valid = false

	if err := chrono.SleepUntilNS(ctx, p.clk, p.prediction.wakeNS); err != nil {
		return 0, 0, err
	}
	p.pacer.MarkPoint(frameID, pacing.PointWakeUp, chrono.NowNS(p.clk))
	return frameID, displayNS, nil
}

// BeginFrame opens a frame. A second BeginFrame without an intervening
// end is converted into an implicit discard of the first.
func (p *Proxy) BeginFrame(frameID int64) error {
	if !p.wait.isAlive() {
		return ErrShuttingDown
	}
	if p.begunFrameID != frame.SentinelFrameID {
		p.log.Debugw("Implicit discard of un-ended frame",
			"discarded_frame_id", p.begunFrameID,
			"frame_id", frameID,
		)
		if err := p.DiscardFrame(p.begunFrameID); err != nil {
			return err
		}
	}
	p.begunFrameID = frameID
	p.pacer.MarkPoint(frameID, pacing.PointBegin, chrono.NowNS(p.clk))
	return nil
}

// DiscardFrame throws the open frame away. The progress slot is
// cleared; scheduled and delivered are untouched. When no layer stack
// is open the progress slot belongs to a prior committed frame and is
// left alone.
func (p *Proxy) DiscardFrame(frameID int64) error {
	if p.layerOpen {
		p.progress.Reset()
		p.layerOpen = false
	}
	p.begunFrameID = frame.SentinelFrameID
	p.pacer.MarkPoint(frameID, pacing.PointDiscarded, chrono.NowNS(p.clk))
	return nil
}

// ---------------------------------------------------------------------
// Layer submission API
// ---------------------------------------------------------------------

// LayerBegin starts the layer stack of the open frame. Blocks while the
// wait worker is still holding the previous submission.
func (p *Proxy) LayerBegin(data frame.Data) error {
	if p.layerOpen {
		return ErrLayerAlreadyOpen
	}
	if err := p.wait.blockUntilIdle(); err != nil {
		return err
	}
	p.progress.Activate(data)
	p.layerOpen = true
	return nil
}

// LayerProjection appends a projection layer with one swapchain slot
// per view.
func (p *Proxy) LayerProjection(views []frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerProjection, uint32(len(views)), views, nil, d)
}

// LayerProjectionDepth appends a projection layer with per-view depth.
func (p *Proxy) LayerProjectionDepth(views, depth []frame.SubImage, dt frame.DepthTest, d LayerDesc) error {
	if len(depth) != len(views) {
		return errors.Wrapf(ErrBadLayerShape, "%d depth slots for %d views", len(depth), len(views))
	}
	subs := make([]frame.SubImage, 0, len(views)+len(depth))
	subs = append(subs, views...)
	subs = append(subs, depth...)
	return p.appendLayer(frame.LayerProjectionDepth, uint32(len(views)), subs, &dt, d)
}

// LayerQuad appends a quad layer.
func (p *Proxy) LayerQuad(sub frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerQuad, 1, []frame.SubImage{sub}, nil, d)
}

// LayerCube appends a cube layer.
func (p *Proxy) LayerCube(sub frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerCube, 1, []frame.SubImage{sub}, nil, d)
}

// LayerCylinder appends a cylinder layer.
func (p *Proxy) LayerCylinder(sub frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerCylinder, 1, []frame.SubImage{sub}, nil, d)
}

// LayerEquirect1 appends a KHR equirect layer.
func (p *Proxy) LayerEquirect1(sub frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerEquirect1, 1, []frame.SubImage{sub}, nil, d)
}

// LayerEquirect2 appends a KHR equirect2 layer.
func (p *Proxy) LayerEquirect2(sub frame.SubImage, d LayerDesc) error {
	return p.appendLayer(frame.LayerEquirect2, 1, []frame.SubImage{sub}, nil, d)
}

// LayerPassthrough appends a passthrough layer. No swapchains.
func (p *Proxy) LayerPassthrough(d LayerDesc) error {
	return p.appendLayer(frame.LayerPassthrough, 1, nil, nil, d)
}

func (p *Proxy) appendLayer(t frame.LayerType, viewCount uint32, subs []frame.SubImage, dt *frame.DepthTest, d LayerDesc) error {
	if !p.layerOpen {
		return ErrNoLayerInProgress
	}
	if len(subs) != t.SwapchainCount(viewCount) {
		return errors.Wrapf(ErrBadLayerShape, "%s layer with %d swapchain slots", t, len(subs))
	}
	for _, sub := range subs {
		if sub.Swapchain == nil && t != frame.LayerPassthrough {
			return errors.Wrapf(ErrBadLayerShape, "%s layer with nil swapchain", t)
		}
	}
	return p.progress.Append(frame.Layer{
		Type:          t,
		Flags:         d.Flags,
		EyeVisibility: d.EyeVisibility,
		Pose:          d.Pose,
		Extent:        d.Extent,
		ViewCount:     viewCount,
		Sub:           subs,
		ColorScale:    d.ColorScale,
		ColorBias:     d.ColorBias,
		Blend:         d.Blend,
		Depth:         dt,
		MinDisplayNS:  d.MinDisplayNS,
	})
}

// LayerCommit finishes the layer stack and hands the frame to the GPU
// wait worker. A valid sync handle is imported as a compositor fence;
// an invalid one means the client already waited CPU-side, and the
// frame is picked up immediately on this thread.
func (p *Proxy) LayerCommit(sync handle.Sync) error {
	if !p.layerOpen {
		return ErrNoLayerInProgress
	}
	frameID := p.progress.Data.FrameID
	p.pacer.MarkPoint(frameID, pacing.PointSubmit, chrono.NowNS(p.clk))
	p.layerOpen = false
	p.begunFrameID = frame.SentinelFrameID

	if !sync.IsValid() {
		// The client did its own GPU wait; run the worker's pickup
		// logic inline, still respecting the one-in-flight cap.
		if err := p.wait.blockUntilIdle(); err != nil {
			p.progress.Reset()
			return err
		}
		p.pacer.MarkPoint(frameID, pacing.PointGPUDone, chrono.NowNS(p.clk))
		p.pickup(frameID)
		return nil
	}

	fence, err := p.native.ImportFence(sync)
	if err != nil {
		p.progress.Reset()
		return errors.Wrap(err, "failed to import commit fence")
	}
	if err := p.wait.submit(fence, nil, 0, frameID); err != nil {
		fence.Destroy()
		p.progress.Reset()
		return err
	}
	return nil
}

// LayerCommitWithSemaphore finishes the layer stack against a timeline
// semaphore value. The semaphore stays owned by the client; the worker
// only waits on it.
func (p *Proxy) LayerCommitWithSemaphore(sem handle.Semaphore, value uint64) error {
	if !p.layerOpen {
		return ErrNoLayerInProgress
	}
	if sem == nil {
		return errors.Wrap(ErrBadLayerShape, "nil semaphore")
	}
	frameID := p.progress.Data.FrameID
	p.pacer.MarkPoint(frameID, pacing.PointSubmit, chrono.NowNS(p.clk))
	p.layerOpen = false
	p.begunFrameID = frame.SentinelFrameID

	if err := p.wait.submit(nil, sem, value, frameID); err != nil {
		p.progress.Reset()
		return err
	}
	return nil
}

// ---------------------------------------------------------------------
// Three-slot pipeline
// ---------------------------------------------------------------------

// pickup moves the completed frame from progress into scheduled per
// the displacement rules. Runs on the wait worker, or inline on the
// client thread for CPU-waited commits; either way the one-in-flight
// cap keeps progress exclusively ours.
func (p *Proxy) pickup(frameID int64) {
	pollNS := int64(p.cfg.PickupPollInterval)
	for {
		p.slotMu.Lock()
		now := chrono.NowNS(p.clk)

		if !p.scheduled.Active {
			p.progress.MoveTo(p.scheduled)
			p.slotMu.Unlock()
			return
		}

		period := p.nextPeriodNS
		if period <= 0 {
			period = pacing.DefaultPeriodNS
		}
		halfWindow := int64(p.cfg.ScheduleHalfWindowFraction * float64(period))
		newDisplay := p.progress.Data.DisplayNS

		nearNext := absNS(newDisplay-p.nextDisplayNS) <= halfWindow
		stale := p.scheduled.Data.DisplayNS < now
		if nearNext || stale {
			displaced := p.scheduled.Data.FrameID
			p.scheduled.Reset()
			p.pacer.MarkPoint(displaced, pacing.PointRetired, now)
			p.progress.MoveTo(p.scheduled)
			p.slotMu.Unlock()
			p.log.Warnw("Displaced scheduled frame",
				"displaced_frame_id", displaced,
				"frame_id", frameID,
				"near_next_display", nearNext,
				"stale", stale,
			)
			return
		}
		p.slotMu.Unlock()

		if !p.wait.isAlive() {
			// Shutting down: drop the frame on the floor.
			p.progress.Reset()
			p.pacer.MarkPoint(frameID, pacing.PointRetired, now)
			return
		}
		_ = chrono.SleepNS(context.Background(), p.clk, pollNS)
	}
}

// deliverAnyFrames moves a due scheduled frame into delivered. Called
// by the broker main loop under the broker's list lock.
func (p *Proxy) deliverAnyFrames(displayNS int64) {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()

	if !p.scheduled.Active {
		return
	}
	due := p.scheduled.Data.DisplayNS
	if displayNS < due-deliverSlackNS {
		return
	}
	if diff := displayNS - due; diff > deliverSlackNS {
		p.log.Debugw("Delivering frame past its display time",
			"frame_id", p.scheduled.Data.FrameID,
			"late_ns", diff,
		)
	}

	p.retireDelivered()
	p.scheduled.MoveTo(p.delivered)
	p.lastDelivered.Store(p.delivered.Data.FrameID)
	p.pacer.MarkPoint(p.delivered.Data.FrameID, pacing.PointDelivered, chrono.NowNS(p.clk))
}

// retireDelivered clears the delivered slot and informs the pacer.
// Broker thread only.
func (p *Proxy) retireDelivered() {
	if !p.delivered.Active {
		return
	}
	p.pacer.MarkPoint(p.delivered.Data.FrameID, pacing.PointRetired, chrono.NowNS(p.clk))
	p.delivered.Reset()
}

// setNextDisplay stores the broker's announced timing for the next
// display cycle.
func (p *Proxy) setNextDisplay(displayNS, periodNS int64) {
	p.slotMu.Lock()
	p.nextDisplayNS = displayNS
	p.nextPeriodNS = periodNS
	p.slotMu.Unlock()
}

// ---------------------------------------------------------------------
// Resource passthrough
// ---------------------------------------------------------------------

// CreateSwapchain forwards to the native compositor.
func (p *Proxy) CreateSwapchain(info handle.SwapchainInfo) (*handle.Swapchain, error) {
	return p.native.CreateSwapchain(info)
}

// ImportSwapchain forwards to the native compositor.
func (p *Proxy) ImportSwapchain(info handle.SwapchainInfo, images []handle.Buffer) (*handle.Swapchain, error) {
	return p.native.ImportSwapchain(info, images)
}

// ImportFence forwards to the native compositor.
func (p *Proxy) ImportFence(sync handle.Sync) (handle.Fence, error) {
	return p.native.ImportFence(sync)
}

// CreateSemaphore forwards to the native compositor.
func (p *Proxy) CreateSemaphore() (handle.Sync, handle.Semaphore, error) {
	return p.native.CreateSemaphore()
}

// ---------------------------------------------------------------------
// Session API
// ---------------------------------------------------------------------

// BeginSession marks the client session active and wakes the broker.
func (p *Proxy) BeginSession(info native.SessionInfo) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.sessionActive {
		return ErrSessionActive
	}
	p.sessionActive = true
	p.b.activeCount++
	p.b.cond.Broadcast()
	p.log.Infow("Client session begun", "active_count", p.b.activeCount)
	return nil
}

// EndSession marks the client session inactive.
func (p *Proxy) EndSession() error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if !p.sessionActive {
		return ErrSessionNotActive
	}
	p.sessionActive = false
	p.b.activeCount--
	p.log.Infow("Client session ended", "active_count", p.b.activeCount)
	return nil
}

// GetDisplayRefreshRate forwards to the native compositor.
func (p *Proxy) GetDisplayRefreshRate() (float32, error) {
	return p.native.GetDisplayRefreshRate()
}

// RequestDisplayRefreshRate forwards to the native compositor.
func (p *Proxy) RequestDisplayRefreshRate(hz float32) error {
	return p.native.RequestDisplayRefreshRate(hz)
}

// SetThreadHint accepts an app thread hint. No-op in the core.
func (p *Proxy) SetThreadHint(hint ThreadHint, tid uint64) error {
	return nil
}

// ---------------------------------------------------------------------
// Multi-client control surface
// ---------------------------------------------------------------------

// SetState updates the client's visibility and focus. Idempotent; on
// change exactly one StateChange event is pushed.
func (p *Proxy) SetState(visible, focused bool) error {
	if !p.cfg.MultiClientControl {
		return ErrNotSupported
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.visible == visible && p.focused == focused {
		return nil
	}
	p.visible = visible
	p.focused = focused
	p.sink.Push(events.StateChange{Visible: visible, Focused: focused})
	return nil
}

// SetZOrder updates the client's composition order. Lower values are
// composited first (further back). No event type corresponds.
func (p *Proxy) SetZOrder(z int64) error {
	if !p.cfg.MultiClientControl {
		return ErrNotSupported
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.zOrder = z
	return nil
}

// SetMainAppVisibility tells an overlay session whether the main app
// is visible. Idempotent; one OverlayChange event on change.
func (p *Proxy) SetMainAppVisibility(visible bool) error {
	if !p.cfg.MultiClientControl {
		return ErrNotSupported
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.mainVisible == visible {
		return nil
	}
	p.mainVisible = visible
	p.sink.Push(events.OverlayChange{Visible: visible})
	return nil
}

// SetEventSink replaces the proxy's event sink. Used when the sink
// needs the proxy's identity (e.g. observer fan-out).
func (p *Proxy) SetEventSink(sink events.Sink) {
	if sink == nil {
		sink = events.Discard{}
	}
	p.b.mu.Lock()
	p.sink = sink
	p.b.mu.Unlock()
}

// NotifyLossPending warns the client its session will be lost.
func (p *Proxy) NotifyLossPending(whenNS int64) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.lossPendingNS == whenNS {
		return
	}
	p.lossPendingNS = whenNS
	p.sink.Push(events.LossPending{WhenNS: whenNS})
}

// NotifyLost tells the client its session is gone. Pushed once.
func (p *Proxy) NotifyLost() {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	p.notifyLostLocked()
}

func (p *Proxy) notifyLostLocked() {
	if p.lost {
		return
	}
	p.lost = true
	p.sink.Push(events.Lost{})
}

// NotifyDisplayRefreshChanged reports a refresh-rate change. No-op when
// the rate did not actually change.
func (p *Proxy) NotifyDisplayRefreshChanged(fromHz, toHz float32) {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if fromHz == toHz || p.refreshHz == toHz {
		return
	}
	p.refreshHz = toHz
	p.sink.Push(events.DisplayRefreshChanged{FromHz: fromHz, ToHz: toHz})
}

// ---------------------------------------------------------------------
// Observer accessors
// ---------------------------------------------------------------------

// Snapshot is an observer view of one client.
type Snapshot struct {
	ID            string `json:"id"`
	Visible       bool   `json:"visible"`
	Focused       bool   `json:"focused"`
	ZOrder        int64  `json:"z_order"`
	SessionActive bool   `json:"session_active"`
	DeliveredID   int64  `json:"delivered_frame_id"`
}

// snapshotLocked requires the broker's list lock.
func (p *Proxy) snapshotLocked() Snapshot {
	return Snapshot{
		ID:            p.ID.String(),
		Visible:       p.visible,
		Focused:       p.focused,
		ZOrder:        p.zOrder,
		SessionActive: p.sessionActive,
		DeliveredID:   p.lastDelivered.Load(),
	}
}

// DeliveredFrameID returns the id of the most recently delivered frame,
// or the sentinel when none has been.
func (p *Proxy) DeliveredFrameID() int64 {
	return p.lastDelivered.Load()
}

// shutdown stops the worker and clears all three slots. Wait lock
// before slot lock: the documented destructor-path exception to the
// usual order.
func (p *Proxy) shutdown() {
	p.wait.kill()

	now := chrono.NowNS(p.clk)
	p.progress.Reset()
	p.slotMu.Lock()
	if p.scheduled.Active {
		p.pacer.MarkPoint(p.scheduled.Data.FrameID, pacing.PointRetired, now)
		p.scheduled.Reset()
	}
	p.slotMu.Unlock()
	p.retireDelivered()
}

func absNS(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
