// Package native defines the call surface of the downstream "native"
// compositor, the singleton that actually presents frames to a
// display, together with a headless implementation used by tests and
// the demo runner.
//
// The broker multiplexes many client sessions onto exactly one
// Compositor: pacing and layer calls are locally multiplexed, resource
// and session calls pass through.
package native

import (
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/pacing"
)

// SessionInfo carries the downstream session's creation parameters.
type SessionInfo struct {
	ViewCount uint32
}

// Compositor is the downstream compositor surface the broker drives.
// Exactly one instance exists per process; only the broker main loop
// calls the pacing and layer methods.
type Compositor interface {
	// Session lifecycle.
	BeginSession(info SessionInfo) error
	EndSession() error

	// Frame pacing. PredictFrame returns the next display cycle's
	// frame id, the broker's wake-up deadline, the predicted display
	// time and period.
	PredictFrame() (frameID, wakeNS, displayNS, periodNS int64, err error)
	MarkFrame(frameID int64, point pacing.Point, whenNS int64)
	BeginFrame(frameID int64) error
	DiscardFrame(frameID int64) error

	// Layer submission for one display cycle: LayerBegin, one PushLayer
	// per layer in composition order, LayerCommit.
	LayerBegin(data frame.Data) error
	PushLayer(l *frame.Layer) error
	LayerCommit(sync handle.Sync) error

	// Resource creation and import.
	CreateSwapchain(info handle.SwapchainInfo) (*handle.Swapchain, error)
	ImportSwapchain(info handle.SwapchainInfo, images []handle.Buffer) (*handle.Swapchain, error)
	ImportFence(sync handle.Sync) (handle.Fence, error)
	CreateSemaphore() (handle.Sync, handle.Semaphore, error)

	// Display refresh control.
	GetDisplayRefreshRate() (float32, error)
	RequestDisplayRefreshRate(hz float32) error
}
