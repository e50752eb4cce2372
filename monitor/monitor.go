// Package monitor exposes a WebSocket observer surface for the
// compositor broker: connected UIs receive periodic status snapshots
// (aggregate session state, per-client pipeline state, system memory)
// and per-client session events.
//
// The monitor is an observer only. It never blocks the broker (every
// send is non-blocking and drops on a slow observer) and it carries
// no native handles.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumenxr/lumen/broker"
	"github.com/lumenxr/lumen/config"
	"github.com/lumenxr/lumen/events"
)

// WebSocket timeout constants following Gorilla best practices.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Observers only ever send pings and small control frames
	maxMessageSize = 4 * 1024

	// Send buffer per observer; overflow drops messages
	sendBuffer = 64
)

// StatusSource is the broker-side view the monitor reads. *broker.Broker
// satisfies it.
type StatusSource interface {
	State() broker.State
	ActiveCount() int
	ClientSnapshots() []broker.Snapshot
}

// StatusMessage is the periodic observer snapshot.
type StatusMessage struct {
	Type        string            `json:"type"`
	State       string            `json:"state"`
	ActiveCount int               `json:"active_count"`
	Clients     []broker.Snapshot `json:"clients"`
	MemUsedMB   float64           `json:"mem_used_mb"`
	MemPercent  float64           `json:"mem_percent"`
	Timestamp   int64             `json:"timestamp"`
}

// SessionEventMessage carries one client session event to observers.
type SessionEventMessage struct {
	Type     string  `json:"type"`
	ClientID string  `json:"client_id"`
	Event    string  `json:"event"`
	Visible  *bool   `json:"visible,omitempty"`
	Focused  *bool   `json:"focused,omitempty"`
	WhenNS   *int64  `json:"when_ns,omitempty"`
	FromHz   float32 `json:"from_hz,omitempty"`
	ToHz     float32 `json:"to_hz,omitempty"`
}

// Server is the observer WebSocket server.
type Server struct {
	source StatusSource
	cfg    config.MonitorConfig
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.RWMutex
	clients map[*client]bool

	limiter *rate.Limiter
}

// client is one observer connection.
type client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan interface{}
	id        string
	closeOnce sync.Once
}

// NewServer builds an observer server over the given status source.
func NewServer(source StatusSource, cfg config.MonitorConfig, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	burst := int(cfg.StatusRatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Server{
		source:  source,
		cfg:     cfg,
		log:     log.Named("monitor"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]bool),
		limiter: rate.NewLimiter(rate.Limit(cfg.StatusRatePerSec), burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observer surface is local tooling; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Start listens on the configured address and begins broadcasting.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("Monitor server failed", "error", err)
		}
	}()

	s.startStatusBroadcaster()
	s.log.Infow("Monitor started", "addr", s.cfg.Addr)
}

// Stop closes every observer and shuts the listener down.
func (s *Server) Stop() {
	s.cancel()
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Infow("Monitor stopped")
}

// SinkFor returns an events.Sink that forwards one client's session
// events to every observer.
func (s *Server) SinkFor(clientID string) events.Sink {
	return &eventSink{server: s, clientID: clientID}
}

type eventSink struct {
	server   *Server
	clientID string
}

// Push implements events.Sink.
func (e *eventSink) Push(ev events.Event) {
	e.server.broadcast(sessionEventMessage(e.clientID, ev))
}

func sessionEventMessage(clientID string, ev events.Event) SessionEventMessage {
	msg := SessionEventMessage{Type: "session_event", ClientID: clientID}
	switch v := ev.(type) {
	case events.StateChange:
		msg.Event = "state_change"
		msg.Visible = &v.Visible
		msg.Focused = &v.Focused
	case events.OverlayChange:
		msg.Event = "overlay_change"
		msg.Visible = &v.Visible
	case events.LossPending:
		msg.Event = "loss_pending"
		msg.WhenNS = &v.WhenNS
	case events.Lost:
		msg.Event = "lost"
	case events.DisplayRefreshChanged:
		msg.Event = "display_refresh_changed"
		msg.FromHz = v.FromHz
		msg.ToHz = v.ToHz
	default:
		msg.Event = "unknown"
	}
	return msg
}

// broadcast queues a message on every observer, dropping on full
// channels. Returns the number of observers that accepted it.
func (s *Server) broadcast(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		select {
		case c.send <- msg:
			sent++
		default:
			// Observer too slow - skip
		}
	}
	return sent
}

// startStatusBroadcaster periodically snapshots the broker for
// observers, rate-limited by the configured status rate.
func (s *Server) startStatusBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.RLock()
				hasClients := len(s.clients) > 0
				s.mu.RUnlock()
				if !hasClients || !s.limiter.Allow() {
					continue
				}
				s.broadcast(s.statusMessage())
			}
		}
	}()
}

// statusMessage builds one observer snapshot.
func (s *Server) statusMessage() StatusMessage {
	msg := StatusMessage{
		Type:        "status",
		State:       s.source.State().String(),
		ActiveCount: s.source.ActiveCount(),
		Clients:     s.source.ClientSnapshots(),
		Timestamp:   time.Now().Unix(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		msg.MemUsedMB = float64(vm.Used) / (1024 * 1024)
		msg.MemPercent = vm.UsedPercent
	}
	return msg
}

// handleWS upgrades an observer connection and starts its pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("Observer upgrade failed", "error", err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, sendBuffer),
		id:     uuid.New().String(),
	}

	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Infow("Observer connected", "observer_id", c.id[:8], "observers", count)

	// Greet with an immediate snapshot.
	c.send <- s.statusMessage()

	go c.writePump()
	go c.readPump()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Infow("Observer disconnected", "observer_id", c.id[:8], "observers", count)
}

// readPump consumes control frames until the observer goes away.
func (c *client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.log.Warnw("Observer read error",
					"observer_id", c.id[:8],
					"error", err,
				)
			}
			return
		}
		// Observers have nothing to say; inbound data is ignored.
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.Debugw("Observer write error",
					"observer_id", c.id[:8],
					"error", err,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close safely closes the client's send channel once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
