package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lumenxr/lumen/broker"
	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/events"
)

// fakeSource is a scripted StatusSource.
type fakeSource struct {
	state  broker.State
	active int
	snaps  []broker.Snapshot
}

func (f *fakeSource) State() broker.State                { return f.state }
func (f *fakeSource) ActiveCount() int                   { return f.active }
func (f *fakeSource) ClientSnapshots() []broker.Snapshot { return f.snaps }

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newServer(t *testing.T, src StatusSource) *Server {
	cfg := config.Default().Monitor
	cfg.StatusRatePerSec = 50
	s := NewServer(src, cfg, zaptest.NewLogger(t).Sugar())
	s.startStatusBroadcaster()
	t.Cleanup(s.Stop)
	return s
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestObserverReceivesStatus(t *testing.T) {
	src := &fakeSource{
		state:  broker.StateRunning,
		active: 2,
		snaps: []broker.Snapshot{
			{ID: "a", Visible: true, ZOrder: 1, SessionActive: true, DeliveredID: 7},
		},
	}
	s := newServer(t, src)
	conn := dial(t, s)

	msg := readMessage(t, conn)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, "running", msg["state"])
	assert.EqualValues(t, 2, msg["active_count"])

	clients, ok := msg["clients"].([]interface{})
	require.True(t, ok)
	require.Len(t, clients, 1)
	first := clients[0].(map[string]interface{})
	assert.Equal(t, "a", first["id"])
	assert.EqualValues(t, 7, first["delivered_frame_id"])
}

func TestSessionEventFanout(t *testing.T) {
	s := newServer(t, &fakeSource{state: broker.StateRunning})
	conn := dial(t, s)

	// Skip the greeting snapshot.
	_ = readMessage(t, conn)

	sink := s.SinkFor("client-1")
	sink.Push(events.StateChange{Visible: true, Focused: false})

	// Status snapshots interleave; scan for the session event.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg["type"] != "session_event" {
			continue
		}
		assert.Equal(t, "client-1", msg["client_id"])
		assert.Equal(t, "state_change", msg["event"])
		assert.Equal(t, true, msg["visible"])
		assert.Equal(t, false, msg["focused"])
		return
	}
	t.Fatal("session event never arrived")
}

func TestEventMessageShapes(t *testing.T) {
	when := int64(123)
	cases := []struct {
		ev   events.Event
		name string
	}{
		{events.StateChange{Visible: true}, "state_change"},
		{events.OverlayChange{Visible: false}, "overlay_change"},
		{events.LossPending{WhenNS: when}, "loss_pending"},
		{events.Lost{}, "lost"},
		{events.DisplayRefreshChanged{FromHz: 60, ToHz: 90}, "display_refresh_changed"},
	}
	for _, tc := range cases {
		msg := sessionEventMessage("c", tc.ev)
		assert.Equal(t, tc.name, msg.Event)
		assert.Equal(t, "session_event", msg.Type)
	}

	lp := sessionEventMessage("c", events.LossPending{WhenNS: when})
	require.NotNil(t, lp.WhenNS)
	assert.EqualValues(t, 123, *lp.WhenNS)
}

func TestBroadcastDropsOnSlowObserver(t *testing.T) {
	s := newServer(t, &fakeSource{})

	// A client that never drains its channel.
	c := &client{server: s, send: make(chan interface{}, 1), id: "slow-observer"}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	assert.Equal(t, 1, s.broadcast("first"))
	// Channel full now; further broadcasts drop instead of blocking.
	assert.Equal(t, 0, s.broadcast("second"))

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
