// Package pacing predicts per-client frame timing against a shared
// display refresh loop. One pacer exists per app session; the broker
// broadcasts display timing into it each cycle, and the client's frame
// lifecycle is reported back as points that refine future predictions.
//
// Predictions are estimates only. The broker stays authoritative about
// actually-delivered display times, and a pacer must tolerate points
// that arrive late, out of order, or never (discarded frames).
package pacing

import (
	"sync"

	"go.uber.org/zap"
)

// Point is a frame lifecycle marker.
type Point int

const (
	PointWakeUp Point = iota
	PointBegin
	PointSubmit
	PointGPUDone
	PointDelivered
	PointLatched
	PointRetired
	PointDiscarded
)

// String returns the point name used in logs.
func (p Point) String() string {
	switch p {
	case PointWakeUp:
		return "wake_up"
	case PointBegin:
		return "begin"
	case PointSubmit:
		return "submit"
	case PointGPUDone:
		return "gpu_done"
	case PointDelivered:
		return "delivered"
	case PointLatched:
		return "latched"
	case PointRetired:
		return "retired"
	case PointDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// known reports whether p is one of the defined lifecycle points.
func (p Point) known() bool {
	return p >= PointWakeUp && p <= PointDiscarded
}

// Pacer estimates frame ids, wake-up times and display times for one
// client session.
type Pacer interface {
	// Predict returns the next frame id (strictly greater than any id
	// previously returned), the client's wake-up time (never before
	// nowNS), the predicted display time and the predicted display
	// period.
	Predict(nowNS int64) (frameID, wakeNS, displayNS, periodNS int64)

	// MarkPoint records a lifecycle point for a predicted frame.
	// Unknown points, unknown frame ids and out-of-order marks are
	// ignored, not fatal.
	MarkPoint(frameID int64, p Point, whenNS int64)

	// Info applies broker-supplied display calibration ahead of the
	// next Predict.
	Info(displayNS, periodNS, marginNS int64)
}

// DefaultPeriodNS is the display period assumed before the first
// broker broadcast arrives (60 Hz).
const DefaultPeriodNS int64 = 16_666_666

// DisplayPacer is the stock Pacer. It anchors predictions to the
// broker's announced next-display time and keeps an estimate of the
// client's app time (BEGIN to SUBMIT) to pull wake-ups earlier when
// the app runs long.
type DisplayPacer struct {
	mu sync.Mutex

	nextFrameID int64

	// Broker calibration, via Info.
	announcedDisplayNS int64
	periodNS           int64
	marginNS           int64

	// Prediction state.
	lastDisplayNS int64

	// App-time refinement.
	appTimeNS     int64
	beginFrameID  int64
	beginNS       int64

	log *zap.SugaredLogger
}

// NewDisplayPacer returns a pacer that assumes initialPeriodNS until
// the first Info broadcast. Pass 0 for the 60 Hz default.
func NewDisplayPacer(initialPeriodNS int64, log *zap.SugaredLogger) *DisplayPacer {
	if initialPeriodNS <= 0 {
		initialPeriodNS = DefaultPeriodNS
	}
	return &DisplayPacer{
		nextFrameID:  1,
		periodNS:     initialPeriodNS,
		beginFrameID: -1,
		log:          log,
	}
}

// Predict implements Pacer.
func (p *DisplayPacer) Predict(nowNS int64) (frameID, wakeNS, displayNS, periodNS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frameID = p.nextFrameID
	p.nextFrameID++

	periodNS = p.periodNS

	// Anchor to the broker's announced next display, then walk forward
	// whole periods until the slot is usable: after our previous
	// prediction and not before now.
	displayNS = p.announcedDisplayNS
	if displayNS == 0 {
		displayNS = nowNS + periodNS
	}
	for displayNS <= p.lastDisplayNS || displayNS < nowNS {
		displayNS += periodNS
	}

	appTime := p.appTimeNS
	if appTime == 0 || appTime > periodNS {
		appTime = periodNS
	}
	wakeNS = displayNS - appTime - p.marginNS
	if wakeNS < nowNS {
		wakeNS = nowNS
	}

	p.lastDisplayNS = displayNS
	return frameID, wakeNS, displayNS, periodNS
}

// MarkPoint implements Pacer.
func (p *DisplayPacer) MarkPoint(frameID int64, point Point, whenNS int64) {
	if !point.known() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Ids from the future were never issued; ignore.
	if frameID >= p.nextFrameID || frameID <= 0 {
		return
	}

	switch point {
	case PointBegin:
		p.beginFrameID = frameID
		p.beginNS = whenNS
	case PointSubmit:
		if frameID != p.beginFrameID || whenNS <= p.beginNS {
			return
		}
		dur := whenNS - p.beginNS
		if p.appTimeNS == 0 {
			p.appTimeNS = dur
		} else {
			// EWMA, new sample weighted 1/4.
			p.appTimeNS = (p.appTimeNS*3 + dur) / 4
		}
	}
}

// Info implements Pacer.
func (p *DisplayPacer) Info(displayNS, periodNS, marginNS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.announcedDisplayNS = displayNS
	if periodNS > 0 {
		p.periodNS = periodNS
	}
	p.marginNS = marginNS
}
