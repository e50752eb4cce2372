package handle

import (
	"sync"
	"time"

	"github.com/lumenxr/lumen/errors"
)

// ErrWaitTimeout is returned by Fence.Wait and Semaphore.Wait when the
// timeout elapses before the object signals. Any other error means the
// wait itself failed and will not succeed on retry.
var ErrWaitTimeout = errors.New("sync wait timed out")

// Fence is a one-shot GPU completion object. Wait blocks until the
// fence signals, the timeout elapses (ErrWaitTimeout), or the wait
// fails outright.
type Fence interface {
	Wait(timeout time.Duration) error
	Destroy()
}

// Semaphore is a monotonically increasing timeline sync object. Wait
// blocks until the semaphore's value reaches the requested value.
type Semaphore interface {
	Wait(value uint64, timeout time.Duration) error
	Destroy()
}

// SoftFence is a CPU-signalled Fence. The headless native compositor
// hands these out, and tests use them to script GPU completion.
type SoftFence struct {
	mu       sync.Mutex
	signaled bool
	failure  error
	changed  chan struct{}
}

// NewSoftFence returns an unsignalled fence.
func NewSoftFence() *SoftFence {
	return &SoftFence{changed: make(chan struct{})}
}

// Signal marks the fence complete and releases every waiter.
func (f *SoftFence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled || f.failure != nil {
		return
	}
	f.signaled = true
	close(f.changed)
}

// Fail poisons the fence: waiters get err instead of ErrWaitTimeout.
func (f *SoftFence) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled || f.failure != nil {
		return
	}
	f.failure = err
	close(f.changed)
}

// Wait implements Fence.
func (f *SoftFence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		return nil
	}
	if f.failure != nil {
		err := f.failure
		f.mu.Unlock()
		return err
	}
	ch := f.changed
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		f.mu.Lock()
		err := f.failure
		f.mu.Unlock()
		return err
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// Destroy implements Fence. Soft fences hold no native resources.
func (f *SoftFence) Destroy() {}

// SoftSemaphore is a CPU-signalled timeline Semaphore.
type SoftSemaphore struct {
	mu      sync.Mutex
	value   uint64
	failure error
	changed chan struct{}
}

// NewSoftSemaphore returns a semaphore at value zero.
func NewSoftSemaphore() *SoftSemaphore {
	return &SoftSemaphore{changed: make(chan struct{})}
}

// SignalValue advances the timeline. Values never regress; signalling a
// lower value is ignored.
func (s *SoftSemaphore) SignalValue(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v <= s.value {
		return
	}
	s.value = v
	close(s.changed)
	s.changed = make(chan struct{})
}

// Fail poisons the semaphore for all current and future waiters.
func (s *SoftSemaphore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return
	}
	s.failure = err
	close(s.changed)
	s.changed = make(chan struct{})
}

// Value returns the current timeline value.
func (s *SoftSemaphore) Value() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Wait implements Semaphore.
func (s *SoftSemaphore) Wait(value uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.failure != nil {
			err := s.failure
			s.mu.Unlock()
			return err
		}
		if s.value >= value {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return ErrWaitTimeout
		}
	}
}

// Destroy implements Semaphore.
func (s *SoftSemaphore) Destroy() {}
