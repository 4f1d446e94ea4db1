// Package telemetry turns per-tick regulator samples into something people and
// machines can watch: a trailing window, a websocket feed and Prometheus metrics.
package telemetry

import (
	"log/slog"
	"sync/atomic"

	"latencyregulator/internal/regulator"
)

// Stream is a regulator.Sink that queues samples on a channel for a single consumer
// (usually RunBroadcaster). Publish never blocks the regulator; when the queue is
// full the sample is dropped and counted.
type Stream struct {
	ch      chan regulator.Sample
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewStream returns a Stream with a queue of size buf.
func NewStream(buf int, logger *slog.Logger) *Stream {
	if buf <= 0 {
		buf = 64
	}
	return &Stream{ch: make(chan regulator.Sample, buf), logger: logger}
}

func (s *Stream) Publish(sample regulator.Sample) {
	select {
	case s.ch <- sample:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("telemetry queue full, dropping sample", "dropped", n)
		}
	}
}

// C returns the receive side of the queue.
func (s *Stream) C() <-chan regulator.Sample { return s.ch }

// Dropped returns how many samples were dropped so far.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Fanout publishes every sample to each sink in order, and forwards skipped ticks
// and closed sessions to the sinks that observe them.
type Fanout []regulator.Sink

func (f Fanout) Publish(s regulator.Sample) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(s)
		}
	}
}

func (f Fanout) TickSkipped(sessionID, reason string) {
	for _, sink := range f {
		if so, ok := sink.(regulator.SkipObserver); ok {
			so.TickSkipped(sessionID, reason)
		}
	}
}

func (f Fanout) SessionClosed(sessionID string) {
	for _, sink := range f {
		if co, ok := sink.(regulator.CloseObserver); ok {
			co.SessionClosed(sessionID)
		}
	}
}
