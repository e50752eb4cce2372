package broker

import (
	"github.com/lumenxr/lumen/errors"
	"github.com/lumenxr/lumen/frame"
)

// Protocol errors: the call was malformed for the current state. No
// state changes, nothing is retried.
var (
	// ErrTooManyLayers re-exports the frame bound so callers only need
	// this package to classify layer-submission failures.
	ErrTooManyLayers = frame.ErrTooManyLayers

	// ErrNoLayerInProgress rejects layer or commit calls outside a
	// layer_begin/layer_commit pair.
	ErrNoLayerInProgress = errors.New("no layer submission in progress")

	// ErrLayerAlreadyOpen rejects layer_begin while a submission is
	// already open.
	ErrLayerAlreadyOpen = errors.New("layer submission already open")

	// ErrBadLayerShape rejects a layer whose swapchain slots do not
	// match its type tag.
	ErrBadLayerShape = errors.New("layer swapchain slots do not match layer type")
)

// Session-lifetime errors.
var (
	ErrSessionActive    = errors.New("session already begun")
	ErrSessionNotActive = errors.New("session not begun")
)

// ErrNotSupported is returned by the multi-client control surface when
// it is disabled. Distinct from protocol errors: the operation is fine,
// the capability is absent.
var ErrNotSupported = errors.New("multi-client control not supported")

// ErrClientLimit is returned when the broker's client table is full.
var ErrClientLimit = errors.New("client limit reached")

// ErrShuttingDown is returned for operations on a stopping proxy or
// broker.
var ErrShuttingDown = errors.New("compositor shutting down")
