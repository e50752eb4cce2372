package native

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lumenxr/lumen/errors"
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/internal/chrono"
	"github.com/lumenxr/lumen/pacing"
)

// RecordedLayer is one layer as the headless display saw it.
type RecordedLayer struct {
	Type         frame.LayerType
	SwapchainIDs []uint64
}

// SubmittedFrame is one committed display cycle.
type SubmittedFrame struct {
	Data   frame.Data
	Layers []RecordedLayer
}

// Headless is a software Compositor with no GPU and no display. It
// synthesizes display timing from a refresh rate and a clock, records
// every committed frame, and hands out CPU-signalled sync objects.
// Tests use it as the downstream recorder; `lumen run` uses it as the
// demo display.
type Headless struct {
	mu sync.Mutex

	clk clockwork.Clock
	log *zap.SugaredLogger

	refreshHz float32
	periodNS  int64

	sessionActive bool
	sessionCalls  []string

	nextFrameID   int64
	lastDisplayNS int64

	// In-flight layer submission.
	inFrame bool
	current SubmittedFrame

	frames []SubmittedFrame

	nextResourceID int
	fences         map[int]handle.Fence
	semaphores     map[int]handle.Semaphore
	liveSwapchains int
}

// NewHeadless returns a headless compositor running at refreshHz.
func NewHeadless(refreshHz float32, clk clockwork.Clock, log *zap.SugaredLogger) *Headless {
	if refreshHz <= 0 {
		refreshHz = 60
	}
	return &Headless{
		clk:            clk,
		log:            log.Named("headless"),
		refreshHz:      refreshHz,
		periodNS:       periodFromHz(refreshHz),
		nextFrameID:    1,
		nextResourceID: 1,
		fences:         make(map[int]handle.Fence),
		semaphores:     make(map[int]handle.Semaphore),
	}
}

func periodFromHz(hz float32) int64 {
	return int64(float64(time.Second) / float64(hz))
}

// BeginSession implements Compositor.
func (h *Headless) BeginSession(info SessionInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionActive {
		return errors.New("headless: session already begun")
	}
	h.sessionActive = true
	h.sessionCalls = append(h.sessionCalls, "begin_session")
	h.log.Infow("Session begun", "view_count", info.ViewCount)
	return nil
}

// EndSession implements Compositor.
func (h *Headless) EndSession() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.sessionActive {
		return errors.New("headless: session not begun")
	}
	h.sessionActive = false
	h.sessionCalls = append(h.sessionCalls, "end_session")
	h.log.Infow("Session ended")
	return nil
}

// SessionActive reports the downstream session state.
func (h *Headless) SessionActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionActive
}

// SessionCalls returns the begin/end history in call order.
func (h *Headless) SessionCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.sessionCalls))
	copy(out, h.sessionCalls)
	return out
}

// PredictFrame implements Compositor. Each display time is one period
// after the previous one; when that would fall less than half a period
// from now, it restarts one period from now. The wake-up deadline
// leaves half a period for collection and composition.
func (h *Headless) PredictFrame() (frameID, wakeNS, displayNS, periodNS int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := chrono.NowNS(h.clk)
	frameID = h.nextFrameID
	h.nextFrameID++

	displayNS = h.lastDisplayNS + h.periodNS
	if displayNS < now+h.periodNS/2 {
		displayNS = now + h.periodNS
	}
	h.lastDisplayNS = displayNS

	wakeNS = displayNS - h.periodNS/2
	if wakeNS < now {
		wakeNS = now
	}
	return frameID, wakeNS, displayNS, h.periodNS, nil
}

// MarkFrame implements Compositor. The headless display has no pacer
// of its own; points only show up in debug logs.
func (h *Headless) MarkFrame(frameID int64, point pacing.Point, whenNS int64) {
	h.log.Debugw("Frame point", "frame_id", frameID, "point", point.String(), "when_ns", whenNS)
}

// BeginFrame implements Compositor.
func (h *Headless) BeginFrame(frameID int64) error {
	return nil
}

// DiscardFrame implements Compositor.
func (h *Headless) DiscardFrame(frameID int64) error {
	return nil
}

// LayerBegin implements Compositor.
func (h *Headless) LayerBegin(data frame.Data) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFrame = true
	h.current = SubmittedFrame{Data: data}
	return nil
}

// PushLayer implements Compositor.
func (h *Headless) PushLayer(l *frame.Layer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.inFrame {
		return errors.New("headless: layer push outside frame")
	}
	rec := RecordedLayer{Type: l.Type}
	for _, sub := range l.Sub {
		if sub.Swapchain != nil {
			rec.SwapchainIDs = append(rec.SwapchainIDs, sub.Swapchain.ID)
		}
	}
	h.current.Layers = append(h.current.Layers, rec)
	return nil
}

// LayerCommit implements Compositor.
func (h *Headless) LayerCommit(sync handle.Sync) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.inFrame {
		return errors.New("headless: commit outside frame")
	}
	h.inFrame = false
	h.frames = append(h.frames, h.current)
	h.log.Debugw("Frame committed",
		"frame_id", h.current.Data.FrameID,
		"layers", len(h.current.Layers),
	)
	h.current = SubmittedFrame{}
	return nil
}

// Frames returns every committed frame in order.
func (h *Headless) Frames() []SubmittedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SubmittedFrame, len(h.frames))
	copy(out, h.frames)
	return out
}

// CreateSwapchain implements Compositor.
func (h *Headless) CreateSwapchain(info handle.SwapchainInfo) (*handle.Swapchain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if info.ImageCount == 0 {
		return nil, errors.New("headless: swapchain needs at least one image")
	}
	id := h.nextResourceID
	h.nextResourceID++

	images := make([]handle.Buffer, info.ImageCount)
	for i := range images {
		images[i] = handle.Buffer{FD: id*100 + i, Size: uint64(info.Width) * uint64(info.Height) * 4}
	}
	return h.trackSwapchainLocked(uint64(id), info, images), nil
}

// ImportSwapchain implements Compositor.
func (h *Headless) ImportSwapchain(info handle.SwapchainInfo, images []handle.Buffer) (*handle.Swapchain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(images) == 0 {
		return nil, errors.New("headless: import with no images")
	}
	for _, img := range images {
		if !img.IsValid() {
			return nil, errors.Newf("headless: invalid image buffer fd %d", img.FD)
		}
	}
	id := h.nextResourceID
	h.nextResourceID++
	return h.trackSwapchainLocked(uint64(id), info, images), nil
}

func (h *Headless) trackSwapchainLocked(id uint64, info handle.SwapchainInfo, images []handle.Buffer) *handle.Swapchain {
	h.liveSwapchains++
	return handle.NewSwapchain(id, info, images, func() {
		h.mu.Lock()
		h.liveSwapchains--
		h.mu.Unlock()
	})
}

// LiveSwapchains returns the number of swapchains not yet destroyed.
// Test hook for leak checks.
func (h *Headless) LiveSwapchains() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveSwapchains
}

// NewFenceSync mints a sync handle backed by a soft fence. This is the
// headless stand-in for a GPU driver exporting a fence fd: the caller
// signals the fence when its "GPU work" completes and passes the sync
// handle through layer_commit.
func (h *Headless) NewFenceSync() (handle.Sync, *handle.SoftFence) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fd := h.nextResourceID
	h.nextResourceID++
	f := handle.NewSoftFence()
	h.fences[fd] = f
	return handle.Sync{FD: fd}, f
}

// ImportFence implements Compositor.
func (h *Headless) ImportFence(sync handle.Sync) (handle.Fence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !sync.IsValid() {
		return nil, errors.New("headless: import of invalid sync handle")
	}
	f, ok := h.fences[sync.FD]
	if !ok {
		return nil, errors.Newf("headless: unknown sync handle fd %d", sync.FD)
	}
	// Import consumes the handle's claim on the object.
	delete(h.fences, sync.FD)
	return f, nil
}

// CreateSemaphore implements Compositor.
func (h *Headless) CreateSemaphore() (handle.Sync, handle.Semaphore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fd := h.nextResourceID
	h.nextResourceID++
	s := handle.NewSoftSemaphore()
	h.semaphores[fd] = s
	return handle.Sync{FD: fd}, s, nil
}

// GetDisplayRefreshRate implements Compositor.
func (h *Headless) GetDisplayRefreshRate() (float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshHz, nil
}

// RequestDisplayRefreshRate implements Compositor.
func (h *Headless) RequestDisplayRefreshRate(hz float32) error {
	if hz <= 0 {
		return errors.Newf("headless: refresh rate %f out of range", hz)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshHz = hz
	h.periodNS = periodFromHz(hz)
	h.log.Infow("Display refresh rate changed", "hz", hz)
	return nil
}

var _ Compositor = (*Headless)(nil)
