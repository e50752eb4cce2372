package handle

// SwapchainInfo describes a swapchain's immutable creation parameters.
// Format values are GPU-API codes the core passes through untouched.
type SwapchainInfo struct {
	Format      uint64
	Width       uint32
	Height      uint32
	ArraySize   uint32
	MipCount    uint32
	ImageCount  uint32
	FaceCount   uint32
	SampleCount uint32
}

// Swapchain is a refcounted handle to a set of native images shared
// between a client session and the native compositor. The broker never
// touches the images; it only moves strong references between layer
// slots and the native surface.
type Swapchain struct {
	Refcount

	ID     uint64
	Info   SwapchainInfo
	Images []Buffer
}

// NewSwapchain wraps a set of native images in a refcounted swapchain.
// destroy runs when the last strong reference is released.
func NewSwapchain(id uint64, info SwapchainInfo, images []Buffer, destroy func()) *Swapchain {
	sc := &Swapchain{
		ID:     id,
		Info:   info,
		Images: images,
	}
	sc.InitRefcount(destroy)
	return sc
}
