// Package broker implements the multi-client compositor core: it
// accepts layer submissions from many concurrent app sessions, paces
// each one against the shared display, merges their layer stacks in
// z-order, and drives the single downstream native compositor.
package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/events"
	"github.com/lumenxr/lumen/frame"
	"github.com/lumenxr/lumen/handle"
	"github.com/lumenxr/lumen/internal/chrono"
	"github.com/lumenxr/lumen/native"
	"github.com/lumenxr/lumen/pacing"
)

// Broker is the singleton multi-client compositor. One dedicated
// goroutine runs the display loop; the broker's list-and-timing lock
// guards the client table, the aggregated session state and the last
// broadcast timing.
type Broker struct {
	cfg    config.CompositorConfig
	native native.Compositor
	clk    clockwork.Clock
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu is the list-and-timing lock. cond wakes the main loop when
	// the first client session begins.
	mu   sync.Mutex
	cond *sync.Cond

	clients []*Proxy
	staged  []*Proxy

	state       State
	activeCount int

	lastDisplayNS int64
	lastPeriodNS  int64

	// newPacer builds a client's pacer. Overridable for tests.
	newPacer func(log *zap.SugaredLogger) pacing.Pacer

	started bool
}

// New creates a broker over the given native compositor. Call Start to
// run the display loop.
func New(cfg *config.Config, nc native.Compositor, clk clockwork.Clock, log *zap.SugaredLogger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:     cfg.Compositor,
		native:  nc,
		clk:     clk,
		log:     log.Named("broker"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make([]*Proxy, 0, cfg.Compositor.MaxClients),
		staged:  make([]*Proxy, 0, cfg.Compositor.MaxClients),
		state:   StateStopped,
	}
	if cfg.Compositor.WarmStart {
		b.state = StateInitWarmStart
	}
	b.cond = sync.NewCond(&b.mu)
	b.newPacer = func(log *zap.SugaredLogger) pacing.Pacer {
		return pacing.NewDisplayPacer(0, log)
	}
	return b
}

// Start launches the display loop.
func (b *Broker) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
	b.log.Infow("Broker started",
		"warm_start", b.cfg.WarmStart,
		"max_clients", b.cfg.MaxClients,
	)
}

// Stop shuts the display loop down, stops every client's wait worker
// and ends the native session if one is active.
func (b *Broker) Stop() {
	b.cancel()
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()

	b.mu.Lock()
	remaining := make([]*Proxy, len(b.clients))
	copy(remaining, b.clients)
	b.clients = b.clients[:0]
	needEnd := b.state == StateRunning || b.state == StateStopping
	b.state = StateStopped
	b.activeCount = 0
	b.mu.Unlock()

	for _, p := range remaining {
		p.shutdown()
	}
	if needEnd {
		if err := b.native.EndSession(); err != nil {
			b.log.Warnw("Failed to end native session on stop", "error", err)
		}
	}
	b.log.Infow("Broker stopped")
}

// CreateClient inserts a new client proxy into the table. sink may be
// nil; events are then discarded.
func (b *Broker) CreateClient(sink events.Sink) (*Proxy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	if len(b.clients) == cap(b.clients) {
		return nil, ErrClientLimit
	}
	p := newProxy(b, sink, b.log)
	p.setNextDisplay(b.lastDisplayNS, b.lastPeriodNS)
	b.clients = append(b.clients, p)
	b.log.Infow("Client connected",
		"client_id", p.ID.String()[:8],
		"clients", len(b.clients),
	)
	return p, nil
}

// DestroyClient removes a proxy from the table, stops its worker and
// clears its slots. Safe to call for an already-destroyed client.
func (b *Broker) DestroyClient(p *Proxy) {
	b.mu.Lock()
	found := false
	for i, c := range b.clients {
		if c == p {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			found = true
			break
		}
	}
	if found && p.sessionActive {
		p.sessionActive = false
		b.activeCount--
	}
	b.mu.Unlock()

	if !found {
		return
	}
	p.shutdown()
	b.log.Infow("Client disconnected", "client_id", p.ID.String()[:8])
}

// State returns the aggregated session state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ActiveCount returns the number of session-active clients.
func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCount
}

// ClientSnapshots returns an observer view of every connected client.
func (b *Broker) ClientSnapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c.snapshotLocked())
	}
	return out
}

// Fatal reports an unrecoverable downstream failure: every client is
// told its session is lost and the broker transitions to stopped.
func (b *Broker) Fatal(err error) {
	b.log.Errorw("Fatal compositor failure", "error", err)
	b.mu.Lock()
	for _, c := range b.clients {
		c.notifyLostLocked()
	}
	b.state = StateStopped
	b.activeCount = 0
	b.mu.Unlock()
	b.cancel()
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// run is the display loop goroutine.
func (b *Broker) run() {
	defer b.wg.Done()
	for b.ctx.Err() == nil {
		if !b.oneCycle() {
			return
		}
	}
}

// oneCycle executes one display cycle. Returns false on shutdown.
func (b *Broker) oneCycle() bool {
	// Aggregated-session transition, sleeping while stopped and empty.
	b.mu.Lock()
	for {
		if b.ctx.Err() != nil {
			b.mu.Unlock()
			return false
		}
		prev := b.state
		next := transition(prev, b.activeCount)
		if prev == StateStopped && next == StateStopped {
			b.cond.Wait()
			continue
		}
		b.state = next
		if next != prev {
			b.log.Infow("Session state changed",
				"from", prev.String(),
				"to", next.String(),
				"active_count", b.activeCount,
			)
		}

		beginNative := prev == StateInitWarmStart || (prev == StateStopped && next == StateRunning)
		endNative := prev == StateStopping && next == StateStopped

		if beginNative {
			if err := b.native.BeginSession(native.SessionInfo{}); err != nil {
				b.log.Errorw("Native begin_session failed", "error", err)
			}
		}
		if endNative {
			if err := b.native.EndSession(); err != nil {
				b.log.Errorw("Native end_session failed", "error", err)
			}
			// Stopped now; loop back to the sleep check.
			continue
		}
		break
	}
	b.mu.Unlock()

	// Predict the next display cycle.
	frameID, wakeNS, displayNS, periodNS, err := b.native.PredictFrame()
	if err != nil {
		b.log.Errorw("Native predict_frame failed, skipping cycle", "error", err)
		_ = chrono.SleepNS(b.ctx, b.clk, int64(b.cfg.PickupPollInterval))
		return true
	}

	// Hint every client about the upcoming display time.
	b.mu.Lock()
	b.lastDisplayNS = displayNS
	b.lastPeriodNS = periodNS
	for _, c := range b.clients {
		c.setNextDisplay(displayNS, periodNS)
	}
	b.mu.Unlock()

	// Sleep to the wake-up deadline, then mark it.
	if err := chrono.SleepUntilNS(b.ctx, b.clk, wakeNS); err != nil {
		return false
	}
	b.native.MarkFrame(frameID, pacing.PointWakeUp, chrono.NowNS(b.clk))

	// Broadcast calibrated timing to every pacer.
	b.mu.Lock()
	margin := displayNS - chrono.NowNS(b.clk)
	for _, c := range b.clients {
		c.pacer.Info(displayNS, periodNS, margin)
	}
	b.mu.Unlock()

	// Begin the native frame.
	if err := b.native.BeginFrame(frameID); err != nil {
		b.log.Errorw("Native begin_frame failed, skipping cycle", "error", err)
		return true
	}
	if err := b.native.LayerBegin(frame.Data{
		FrameID:   frameID,
		DisplayNS: displayNS,
		BlendMode: frame.BlendOpaque,
	}); err != nil {
		b.log.Errorw("Native layer_begin failed, skipping cycle", "error", err)
		return true
	}

	// Collect, order and forward client frames.
	b.mu.Lock()
	b.staged = b.staged[:0]
	for _, c := range b.clients {
		c.deliverAnyFrames(displayNS)
		if !c.delivered.Active {
			continue
		}
		if !c.visible || !c.sessionActive {
			c.retireDelivered()
			continue
		}
		b.staged = append(b.staged, c)
	}
	sort.SliceStable(b.staged, func(i, j int) bool {
		return b.staged[i].zOrder < b.staged[j].zOrder
	})
	for _, c := range b.staged {
		layers := c.delivered.Layers()
		for i := range layers {
			if err := b.native.PushLayer(&layers[i]); err != nil {
				b.log.Errorw("Native layer push failed",
					"client_id", c.ID.String()[:8],
					"layer_type", layers[i].Type.String(),
					"error", err,
				)
			}
		}
	}
	b.mu.Unlock()

	// Commit the combined stack.
	if err := b.native.LayerCommit(handle.InvalidSync()); err != nil {
		b.log.Errorw("Native layer_commit failed", "error", err)
	}
	return true
}
