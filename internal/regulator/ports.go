package regulator

import "context"

// MediaPort exposes the buffer/position/rate primitives of a media element.
// The regulator borrows a port; it never closes it.
//
// Rate changes made through SetPlaybackRate must not be surfaced by the
// implementation as externally-originated rate change events.
type MediaPort interface {
	// BufferedEnd returns the end of the last buffered range. ok is false when
	// nothing is buffered (normal while a source is changing). A non-nil error
	// means the port cannot report buffered ranges at all.
	BufferedEnd(ctx context.Context) (end float64, ok bool, err error)
	CurrentPosition(ctx context.Context) (float64, error)
	SetPosition(ctx context.Context, seconds float64) error
	PlaybackRate(ctx context.Context) (float64, error)
	// SetPlaybackRate sets the rate and returns the value actually applied.
	SetPlaybackRate(ctx context.Context, rate float64) (float64, error)
}

// LatencyReporter is an optional MediaPort capability backed by the host player's
// internal handle. Ports that cannot reach such a handle simply don't implement it.
type LatencyReporter interface {
	// BroadcasterLatency returns the host's broadcaster-latency text. ok is false
	// when the handle is absent or reports nothing.
	BroadcasterLatency(ctx context.Context) (text string, ok bool)
}

// ModeSignal yields the currently active latency mode. It is polled once per tick.
// An error means the mode could not be determined; the regulator then uses ModeNormal.
type ModeSignal interface {
	CurrentMode(ctx context.Context) (Mode, error)
}

// ConfigStore loads and saves per-mode configuration. Load returns the built-in
// defaults with any persisted override merged on top.
type ConfigStore interface {
	Load(mode Mode) (Config, error)
	Save(mode Mode, cfg Config) error
}

// Sink receives one Sample per completed tick. Publish must not block.
type Sink interface {
	Publish(s Sample)
}

// Reasons passed to SkipObserver.TickSkipped.
const (
	SkipBufferedError = "buffered_error"
	SkipBufferedEmpty = "buffered_empty"
	SkipPositionError = "position_error"
)

// SkipObserver is an optional Sink capability notified when a tick is skipped.
type SkipObserver interface {
	TickSkipped(sessionID string, reason string)
}

// CloseObserver is an optional Sink capability notified once a session is detached
// and will publish no more samples.
type CloseObserver interface {
	SessionClosed(sessionID string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Sample)

func (f SinkFunc) Publish(s Sample) { f(s) }
