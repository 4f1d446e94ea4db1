package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Hub: tracks websocket subscribers and fans frames out to them
// ============================================================================
//
// Every subscriber has its own bounded send queue drained by a write pump, so a
// stalled viewer never holds up the others. A subscriber whose queue is full when
// a frame arrives is disconnected.
//
// ============================================================================

// HubConfig sizes the hub queues. Zero values get defaults.
type HubConfig struct {
	// SendBuf is the per-subscriber outbound queue size.
	SendBuf int
	// BroadcastBuf is the hub inbound frame queue size.
	BroadcastBuf int
}

// Hub tracks connected subscribers. Call Run(ctx) to start it.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Subscriber
	unregister chan *Subscriber
	// done is closed when Run returns.
	done chan struct{}

	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	sendBuf int
}

// NewHub constructs a hub.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Subscriber, 64),
		unregister: make(chan *Subscriber, 64),
		done:       make(chan struct{}),
		subs:       make(map[*Subscriber]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
// It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("telemetry hub starting")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("telemetry hub stopping (context canceled)")
			h.disconnectAll()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Info("telemetry subscriber registered", "remote_addr", s.remoteAddr, "subscribers", n)

		case s := <-h.unregister:
			h.remove(s, "unregister")

		case frame := <-h.broadcast:
			var slow []*Subscriber

			h.mu.Lock()
			for s := range h.subs {
				if !s.enqueue(frame) {
					slow = append(slow, s)
				}
			}
			h.mu.Unlock()

			for _, s := range slow {
				h.remove(s, "slow_subscriber")
			}
		}
	}
}

// add hands s to the hub. It returns false once Run has exited.
func (h *Hub) add(s *Subscriber) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

// drop asks the hub to forget s. It never blocks after Run has exited.
func (h *Hub) drop(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
		delete(h.subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (h *Hub) remove(s *Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		s.close()
		h.logger.Info("telemetry subscriber disconnected", "remote_addr", s.remoteAddr, "reason", reason, "subscribers", n)
	}
}

// BroadcastBytes enqueues a serialized frame. It never blocks; when the hub queue
// is full the frame is dropped.
func (h *Hub) BroadcastBytes(frame []byte) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("telemetry hub queue full, dropping frame", "bytes", len(frame))
	}
}

// ============================================================================
// Subscriber
// ============================================================================

// Subscriber is one connected websocket viewer.
type Subscriber struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	// mu guards closed; send is only written or closed while holding it.
	mu     sync.Mutex
	closed bool

	remoteAddr string
	logger     *slog.Logger
}

func newSubscriber(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close drops the connection and signals the write pump. Safe to call repeatedly.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
	close(s.send)
}

// enqueue queues frame without blocking; false means the queue is full or the
// subscriber is gone.
func (s *Subscriber) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts the websocket close code and text when err carries them.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (s *Subscriber) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		s.logger.Info(pump+" exiting (close)", "remote_addr", s.remoteAddr, "code", code, "reason", text)
		return
	}
	s.logger.Info(pump+" exiting", "remote_addr", s.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings until the queue is closed or
// a write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logExit("telemetry writePump", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logExit("telemetry writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound messages so control frames are handled and disconnects
// are noticed, then unregisters the subscriber.
func (s *Subscriber) readPump() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.logExit("telemetry readPump", err)
			s.hub.drop(s)
			return
		}
	}
}
