package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"latencyregulator/internal/regulator"
)

// Frame types sent to websocket subscribers.
const (
	FrameInit   = "telemetry_init"
	FrameSample = "sample"
)

// Envelope is the wire format of every websocket frame: {type, ts, data}.
type Envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitData is the payload of the first frame a subscriber receives.
type InitData struct {
	WindowSize int                `json:"window_size"`
	Samples    []regulator.Sample `json:"samples"`
}

func encodeFrame(typ string, at time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	ts := at.UTC()
	return json.Marshal(Envelope{Type: typ, Ts: &ts, Data: raw})
}

// Server serves the telemetry websocket. New subscribers get the trailing window in
// a telemetry_init frame, then every sample as it is broadcast.
type Server struct {
	logger *slog.Logger
	hub    *Hub
	window *Window
}

// NewServer constructs the server. Start Hub().Run(ctx) and RunBroadcaster alongside.
func NewServer(logger *slog.Logger, window *Window, cfg HubConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg),
		window: window,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the websocket handler on mux at path.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("telemetry ws upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(s.hub, conn, r.RemoteAddr, s.logger)

	// Queue the snapshot before registering so it is the first frame out.
	snap := InitData{WindowSize: s.window.Size(), Samples: s.window.Snapshot()}
	frame, err := encodeFrame(FrameInit, time.Now(), snap)
	if err != nil {
		s.logger.Warn("telemetry init marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	sub.enqueue(frame)

	if !s.hub.add(sub) {
		sub.close()
		return
	}

	// The pumps outlive the request; the hub and connection errors end them.
	go sub.writePump()
	go sub.readPump()
}

// RunBroadcaster marshals samples from src into sample frames and broadcasts them
// until ctx is canceled or src is closed. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan regulator.Sample, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case sample, ok := <-src:
			if !ok {
				logger.Info("telemetry broadcaster stopping (source ended)")
				return
			}

			at := sample.At
			if at.IsZero() {
				at = time.Now()
			}
			frame, err := encodeFrame(FrameSample, at, sample)
			if err != nil {
				logger.Warn("telemetry broadcaster marshal failed", "error", err)
				continue
			}
			hub.BroadcastBytes(frame)
		}
	}
}
