package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/native"
	"github.com/lumenxr/lumen/pacing"
)

// pointRec is one observed pacer point.
type pointRec struct {
	frameID int64
	point   pacing.Point
	whenNS  int64
}

// recordingPacer wraps a real pacer and records every point mark.
type recordingPacer struct {
	inner pacing.Pacer

	mu     sync.Mutex
	points []pointRec
}

func (r *recordingPacer) Predict(nowNS int64) (int64, int64, int64, int64) {
	return r.inner.Predict(nowNS)
}

func (r *recordingPacer) MarkPoint(frameID int64, p pacing.Point, whenNS int64) {
	r.mu.Lock()
	r.points = append(r.points, pointRec{frameID: frameID, point: p, whenNS: whenNS})
	r.mu.Unlock()
	r.inner.MarkPoint(frameID, p, whenNS)
}

func (r *recordingPacer) Info(displayNS, periodNS, marginNS int64) {
	r.inner.Info(displayNS, periodNS, marginNS)
}

// pointsFor returns the recorded points of one frame, in record order.
func (r *recordingPacer) pointsFor(frameID int64) []pacing.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pacing.Point
	for _, p := range r.points {
		if p.frameID == frameID {
			out = append(out, p.point)
		}
	}
	return out
}

// has reports whether a frame has the given point recorded.
func (r *recordingPacer) has(frameID int64, p pacing.Point) bool {
	for _, got := range r.pointsFor(frameID) {
		if got == p {
			return true
		}
	}
	return false
}

// testRig bundles a broker over a fast headless compositor.
type testRig struct {
	cfg      *config.Config
	headless *native.Headless
	broker   *Broker
	pacers   map[*Proxy]*recordingPacer
	log      *zap.SugaredLogger
}

// newTestRig builds an unstarted broker at a 2 ms display period.
func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Compositor.WarmStart = false
	cfg.Compositor.FenceWaitTimeout = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	log := zaptest.NewLogger(t).Sugar()
	clk := clockwork.NewRealClock()
	h := native.NewHeadless(500, clk, log)
	b := New(cfg, h, clk, log)

	rig := &testRig{
		cfg:      cfg,
		headless: h,
		broker:   b,
		pacers:   make(map[*Proxy]*recordingPacer),
		log:      log,
	}
	b.newPacer = func(l *zap.SugaredLogger) pacing.Pacer {
		return &recordingPacer{inner: pacing.NewDisplayPacer(0, l)}
	}
	t.Cleanup(b.Stop)
	return rig
}

// connect creates a client and tracks its recording pacer.
func (r *testRig) connect(t *testing.T) (*Proxy, *recordingPacer) {
	t.Helper()
	p, err := r.broker.CreateClient(nil)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	rec := p.pacer.(*recordingPacer)
	r.pacers[p] = rec
	return p, rec
}

const eventually = 2 * time.Second
const tick = 2 * time.Millisecond
