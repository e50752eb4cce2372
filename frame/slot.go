package frame

import (
	"github.com/lumenxr/lumen/errors"
)

// ErrTooManyLayers is returned when a frame already carries
// MaxLayersPerFrame layers.
var ErrTooManyLayers = errors.New("too many layers in frame")

// ErrSlotInactive is returned when a layer is appended to a slot that
// has no active frame.
var ErrSlotInactive = errors.New("layer slot has no active frame")

// Slot holds one frame's layer stack plus its metadata. A slot is
// either active (carrying a frame) or inactive (FrameID is the
// sentinel, zero layers). Callers provide their own locking; see the
// pipeline rules in package broker for which thread touches which
// slot.
type Slot struct {
	Active bool
	Data   Data

	layers [MaxLayersPerFrame]Layer
	count  int
}

// NewSlot returns an inactive slot with the sentinel invariant
// established.
func NewSlot() *Slot {
	s := &Slot{}
	s.clear()
	return s
}

// Activate zeroes the slot and begins a new frame with the given
// metadata. Any previous content must have been cleared first.
func (s *Slot) Activate(data Data) {
	s.clear()
	s.Active = true
	s.Data = data
}

// Append adds a layer, taking one strong reference per swapchain slot.
// The caller's own references are untouched.
func (s *Slot) Append(l Layer) error {
	if !s.Active {
		return ErrSlotInactive
	}
	if s.count == MaxLayersPerFrame {
		return ErrTooManyLayers
	}
	for _, sub := range l.Sub {
		if sub.Swapchain != nil {
			sub.Swapchain.Reference()
		}
	}
	s.layers[s.count] = l
	s.count++
	return nil
}

// Layers returns the active layer stack. The returned slice aliases the
// slot; it is invalidated by Reset and MoveTo.
func (s *Slot) Layers() []Layer {
	return s.layers[:s.count]
}

// Count returns the number of layers in the slot.
func (s *Slot) Count() int {
	return s.count
}

// Reset drops every layer's swapchain references and restores the
// inactive sentinel. Safe on an already-inactive slot.
func (s *Slot) Reset() {
	for i := 0; i < s.count; i++ {
		for _, sub := range s.layers[i].Sub {
			if sub.Swapchain != nil {
				sub.Swapchain.Release()
			}
		}
	}
	s.clear()
}

// MoveTo transfers the frame into dst. Swapchain references move with
// the layers, no counts change, and the source becomes inactive.
// dst must be inactive.
func (s *Slot) MoveTo(dst *Slot) {
	dst.Active = s.Active
	dst.Data = s.Data
	dst.count = s.count
	copy(dst.layers[:s.count], s.layers[:s.count])
	s.clear()
}

// clear forgets the slot's content without releasing references.
func (s *Slot) clear() {
	s.Active = false
	s.Data = Data{FrameID: SentinelFrameID}
	for i := 0; i < s.count; i++ {
		s.layers[i] = Layer{}
	}
	s.count = 0
}
