// Package frame holds the pure data model of composition: layers, the
// per-frame metadata that travels with them, and the bounded layer slot
// the three-stage pipeline is built from.
package frame

import (
	"github.com/lumenxr/lumen/handle"
)

// MaxLayersPerFrame bounds the layer stack a single frame may carry.
const MaxLayersPerFrame = 16

// SentinelFrameID marks a slot with no frame in it.
const SentinelFrameID int64 = -1

// LayerType tags a composition element. The tag fully determines how
// many swapchain slots the layer carries.
type LayerType int

const (
	LayerProjection LayerType = iota
	LayerProjectionDepth
	LayerQuad
	LayerCube
	LayerCylinder
	LayerEquirect1
	LayerEquirect2
	LayerPassthrough
)

// String returns the type name used in logs.
func (t LayerType) String() string {
	switch t {
	case LayerProjection:
		return "projection"
	case LayerProjectionDepth:
		return "projection_depth"
	case LayerQuad:
		return "quad"
	case LayerCube:
		return "cube"
	case LayerCylinder:
		return "cylinder"
	case LayerEquirect1:
		return "equirect1"
	case LayerEquirect2:
		return "equirect2"
	case LayerPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// SwapchainCount returns the number of swapchain slots a layer of this
// type carries for the given view count.
func (t LayerType) SwapchainCount(viewCount uint32) int {
	switch t {
	case LayerProjection:
		return int(viewCount)
	case LayerProjectionDepth:
		return int(2 * viewCount)
	case LayerPassthrough:
		return 0
	default:
		return 1
	}
}

// LayerFlags are per-layer composition flags.
type LayerFlags uint32

const (
	// LayerFlagCorrectChromaticAberration requests chroma correction.
	LayerFlagCorrectChromaticAberration LayerFlags = 1 << iota
	// LayerFlagBlendTextureSourceAlpha blends using the texture alpha.
	LayerFlagBlendTextureSourceAlpha
	// LayerFlagUnpremultipliedAlpha marks the texture alpha as straight.
	LayerFlagUnpremultipliedAlpha
)

// EyeVisibility selects which eyes a layer is composited for.
type EyeVisibility int

const (
	EyeVisibilityBoth EyeVisibility = iota
	EyeVisibilityLeft
	EyeVisibilityRight
	EyeVisibilityNone
)

// BlendMode is the environment blend mode a frame asks the display for.
type BlendMode int

const (
	BlendOpaque BlendMode = iota
	BlendAdditive
	BlendAlpha
)

// String returns the blend mode name used in logs.
func (m BlendMode) String() string {
	switch m {
	case BlendOpaque:
		return "opaque"
	case BlendAdditive:
		return "additive"
	case BlendAlpha:
		return "alpha_blend"
	default:
		return "unknown"
	}
}

// Vec3 is a position in tracking space.
type Vec3 struct {
	X, Y, Z float32
}

// Quat is an orientation in tracking space.
type Quat struct {
	X, Y, Z, W float32
}

// Pose combines orientation and position.
type Pose struct {
	Orientation Quat
	Position    Vec3
}

// Extent is a 2D size in meters.
type Extent struct {
	Width, Height float32
}

// RectI is a pixel-space sub-rectangle of a swapchain image.
type RectI struct {
	X, Y          int32
	Width, Height int32
}

// SubImage references one swapchain slot of a layer. The layer entry
// owns one strong reference to the swapchain for as long as it resides
// in a slot.
type SubImage struct {
	Swapchain  *handle.Swapchain
	Rect       RectI
	ArrayIndex uint32
}

// Color is an RGBA scale or bias applied during composition.
type Color struct {
	R, G, B, A float32
}

// BlendFactors are advanced per-layer blend factors. Values are
// GPU-API blend factor codes passed through untouched.
type BlendFactors struct {
	SrcColor uint32
	DstColor uint32
	SrcAlpha uint32
	DstAlpha uint32
}

// DepthTest carries the optional depth-test parameters of a
// projection-with-depth layer.
type DepthTest struct {
	NearZ    float32
	FarZ     float32
	MinDepth float32
	MaxDepth float32
}

// Layer is the pure data of a single composition element. The number
// and meaning of entries in Sub is fully determined by Type (and
// ViewCount for projection layers).
type Layer struct {
	Type          LayerType
	Flags         LayerFlags
	EyeVisibility EyeVisibility

	Pose   Pose
	Extent Extent

	ViewCount uint32
	Sub       []SubImage

	ColorScale *Color
	ColorBias  *Color
	Blend      *BlendFactors
	Depth      *DepthTest

	// MinDisplayNS is the "display no earlier than" timestamp.
	MinDisplayNS int64
}

// Data is the per-frame metadata a layer stack travels with.
type Data struct {
	FrameID   int64
	DisplayNS int64
	BlendMode BlendMode
}
