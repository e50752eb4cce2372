package broker

import (
	"sync"

	"github.com/lumenxr/lumen/errors"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/internal/chrono"
	"github.com/lumenxr/lumen/pacing"
)

// waitWorker is the per-proxy GPU wait thread's handoff state. The
// client thread parks a submission here; the worker waits for the GPU,
// marks the pacer and runs slot pickup, then signals back. Capacity is
// exactly one submission; the client blocks until the worker is free.
//
// Lock order: wait lock before slot lock, and only on destructor
// paths; never the reverse.
type waitWorker struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Handoff variables, guarded by mu.
	fence    handle.Fence
	sem      handle.Semaphore
	semValue uint64
	frameID  int64
	waiting  bool
	alive    bool

	done chan struct{}
}

func (w *waitWorker) init() {
	w.cond = sync.NewCond(&w.mu)
	w.alive = true
	w.done = make(chan struct{})
}

// isAlive reports whether the worker is still running.
func (w *waitWorker) isAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// blockUntilIdle waits until no submission is in flight. Returns
// ErrShuttingDown if the worker dies while waiting.
func (w *waitWorker) blockUntilIdle() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.alive && w.waiting {
		w.cond.Wait()
	}
	if !w.alive {
		return ErrShuttingDown
	}
	return nil
}

// submit parks one submission with the worker, blocking while a prior
// one is still in flight.
func (w *waitWorker) submit(fence handle.Fence, sem handle.Semaphore, semValue uint64, frameID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.alive && w.waiting {
		w.cond.Wait()
	}
	if !w.alive {
		return ErrShuttingDown
	}
	w.fence = fence
	w.sem = sem
	w.semValue = semValue
	w.frameID = frameID
	w.waiting = true
	w.cond.Broadcast()
	return nil
}

// kill stops the worker and waits for it to exit.
func (w *waitWorker) kill() {
	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return
	}
	w.alive = false
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

// waitLoop is the worker goroutine body. It must observe the alive
// flag on every condvar return.
func (p *Proxy) waitLoop() {
	w := &p.wait
	defer close(w.done)

	w.mu.Lock()
	for {
		for w.alive && !w.waiting {
			w.cond.Wait()
		}
		if !w.alive {
			w.mu.Unlock()
			return
		}

		// Take the submission; the waiting flag stays up so the client
		// remains blocked from overlapping it.
		fence, sem, semValue, frameID := w.fence, w.sem, w.semValue, w.frameID
		w.fence, w.sem, w.semValue = nil, nil, 0
		w.mu.Unlock()

		p.waitGPU(fence, sem, semValue, frameID)
		if fence != nil {
			fence.Destroy()
		}

		p.pacer.MarkPoint(frameID, pacing.PointGPUDone, chrono.NowNS(p.clk))
		p.pickup(frameID)

		w.mu.Lock()
		w.waiting = false
		w.cond.Broadcast()
	}
}

// waitGPU blocks until the frame's GPU work completes. Timeouts retry
// indefinitely with a warning; a non-timeout failure is logged and
// treated as completion, so a stuck app cannot stall the compositor.
func (p *Proxy) waitGPU(fence handle.Fence, sem handle.Semaphore, semValue uint64, frameID int64) {
	timeout := p.cfg.FenceWaitTimeout
	for {
		var err error
		switch {
		case fence != nil:
			err = fence.Wait(timeout)
		case sem != nil:
			err = sem.Wait(semValue, timeout)
		default:
			// No sync object: the client did a CPU-side wait itself.
			return
		}
		if err == nil {
			return
		}
		if errors.Is(err, handle.ErrWaitTimeout) {
			if !p.wait.isAlive() {
				return
			}
			p.log.Warnw("GPU wait timed out, retrying",
				"frame_id", frameID,
				"timeout", timeout,
			)
			continue
		}
		p.log.Errorw("GPU wait failed, treating frame as complete",
			"frame_id", frameID,
			"error", err,
		)
		return
	}
}
