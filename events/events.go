// Package events defines the session events a client proxy pushes to
// its app, and the sink interface those events travel through.
//
// Events are a closed sum: each variant carries exactly the payload of
// the corresponding session change, and sinks receive them through a
// single Push operation.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Event is a session event. The set of implementations is closed.
type Event interface {
	isEvent()
}

// StateChange reports a visibility/focus change of the session.
type StateChange struct {
	Visible bool
	Focused bool
}

// OverlayChange reports a change of the main app's visibility, pushed
// to overlay sessions.
type OverlayChange struct {
	Visible bool
}

// LossPending warns that the session will be lost at WhenNS.
type LossPending struct {
	WhenNS int64
}

// Lost reports that the session is gone.
type Lost struct{}

// DisplayRefreshChanged reports a display refresh-rate change.
type DisplayRefreshChanged struct {
	FromHz float32
	ToHz   float32
}

func (StateChange) isEvent()           {}
func (OverlayChange) isEvent()         {}
func (LossPending) isEvent()           {}
func (Lost) isEvent()                  {}
func (DisplayRefreshChanged) isEvent() {}

// Sink receives a client's session events. Push must not block the
// caller; the broker main loop and the control surface both push.
type Sink interface {
	Push(ev Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

// Push implements Sink.
func (Discard) Push(Event) {}

// ChannelSink buffers events for a consumer goroutine. When the buffer
// is full the oldest event is dropped so Push never blocks: a slow
// client loses history, not the compositor.
type ChannelSink struct {
	mu sync.Mutex
	ch chan Event

	log *zap.SugaredLogger
}

// NewChannelSink returns a sink buffering up to capacity events.
func NewChannelSink(capacity int, log *zap.SugaredLogger) *ChannelSink {
	if capacity <= 0 {
		capacity = 16
	}
	return &ChannelSink{
		ch:  make(chan Event, capacity),
		log: log,
	}
}

// Push implements Sink.
func (s *ChannelSink) Push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			if s.log != nil {
				s.log.Warnw("Session event queue full, dropping oldest",
					"dropped", dropped,
				)
			}
		default:
		}
	}
}

// Events returns the consumer side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Fanout pushes every event to each of its sinks in order.
type Fanout []Sink

// Push implements Sink.
func (f Fanout) Push(ev Event) {
	for _, s := range f {
		if s != nil {
			s.Push(ev)
		}
	}
}
