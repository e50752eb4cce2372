package handle

import (
	"sync/atomic"
)

// Refcount is an embeddable strong-reference counter with a destroy
// hook. The owner that created the object holds the initial reference;
// every slot that stores the object takes one more. Pipeline moves
// transfer a reference without touching the count.
type Refcount struct {
	count   atomic.Int32
	destroy func()
}

// InitRefcount sets the initial reference and the destroy hook. Must be
// called exactly once before the object is shared.
func (r *Refcount) InitRefcount(destroy func()) {
	r.count.Store(1)
	r.destroy = destroy
}

// Reference takes a new strong reference. Panics if the object has
// already been destroyed: referencing a dead object means a moved
// reference was used after its slot was cleared.
func (r *Refcount) Reference() {
	if r.count.Add(1) <= 1 {
		panic("handle: reference to destroyed object")
	}
}

// Release drops one strong reference, running the destroy hook when the
// last one goes. Panics on a double release.
func (r *Refcount) Release() {
	n := r.count.Add(-1)
	switch {
	case n == 0:
		if r.destroy != nil {
			r.destroy()
		}
	case n < 0:
		panic("handle: release of destroyed object")
	}
}

// Refs returns the current strong-reference count. Test hook.
func (r *Refcount) Refs() int32 {
	return r.count.Load()
}
