// Package sim provides a simulated live player that implements regulator.MediaPort.
//
// The live edge grows with wall time at the ingest rate while the playback position
// grows at the playback rate, so buffer memory drifts exactly as it would on a real
// live stream. Spikes, empty buffers and port failures can be injected.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFailure is the default error returned while failures are injected.
var ErrFailure = errors.New("simulated player failure")

// Options configures a Player.
type Options struct {
	// InitialBuffer is the starting buffer memory in seconds.
	InitialBuffer float64
	// IngestRate is how many seconds of media arrive per wall second. Defaults to 1.
	IngestRate float64
	// ModeLabel is the latency label the player shows, e.g. "Latence normale".
	ModeLabel string
	// BroadcasterLatency is the host-reported latency text. Empty means unavailable.
	BroadcasterLatency string
}

// Player is a simulated media element. It is safe for concurrent use.
type Player struct {
	mu sync.Mutex

	edge       float64
	position   float64
	rate       float64
	ingestRate float64
	empty      bool
	failure    error

	modeLabel          string
	broadcasterLatency string

	listeners []func(rate float64)
}

// New returns a Player at position 0 with opts.InitialBuffer seconds buffered.
func New(opts Options) *Player {
	ingest := opts.IngestRate
	if ingest <= 0 {
		ingest = 1
	}
	return &Player{
		edge:               opts.InitialBuffer,
		rate:               1.0,
		ingestRate:         ingest,
		modeLabel:          opts.ModeLabel,
		broadcasterLatency: opts.BroadcasterLatency,
	}
}

// Advance moves simulated time forward by dt.
func (p *Player) Advance(dt time.Duration) {
	sec := dt.Seconds()
	if sec <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.edge += p.ingestRate * sec
	p.position += p.rate * sec
	if p.position > p.edge {
		// Playback stalls at the live edge.
		p.position = p.edge
	}
}

// Run advances the player in real time every step until ctx is canceled.
func (p *Player) Run(ctx context.Context, step time.Duration) error {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.Advance(now.Sub(last))
			last = now
		}
	}
}

// AddBuffered grows the live edge by sec seconds at once, simulating a burst.
func (p *Player) AddBuffered(sec float64) {
	p.mu.Lock()
	p.edge += sec
	p.mu.Unlock()
}

// SetEmpty toggles whether the player reports an empty buffered range.
func (p *Player) SetEmpty(empty bool) {
	p.mu.Lock()
	p.empty = empty
	p.mu.Unlock()
}

// SetFailure makes every port call fail with err until called with nil.
func (p *Player) SetFailure(err error) {
	p.mu.Lock()
	p.failure = err
	p.mu.Unlock()
}

// SetModeLabel changes the latency label the player shows.
func (p *Player) SetModeLabel(label string) {
	p.mu.Lock()
	p.modeLabel = label
	p.mu.Unlock()
}

// SetBroadcasterLatency changes the host-reported latency text.
func (p *Player) SetBroadcasterLatency(text string) {
	p.mu.Lock()
	p.broadcasterLatency = text
	p.mu.Unlock()
}

// SetExternalRate changes the rate as a user would, notifying rate listeners.
func (p *Player) SetExternalRate(r float64) {
	p.mu.Lock()
	p.rate = r
	listeners := append([]func(float64){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(r)
	}
}

// OnExternalRateChange registers fn for rate changes made outside the regulator.
func (p *Player) OnExternalRateChange(fn func(rate float64)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// BufferMemory returns the seconds buffered ahead of the position.
func (p *Player) BufferMemory() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edge - p.position
}

// ==============================
// regulator.MediaPort
// ==============================

func (p *Player) BufferedEnd(context.Context) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return 0, false, p.failure
	}
	if p.empty {
		return 0, false, nil
	}
	return p.edge, true, nil
}

func (p *Player) CurrentPosition(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return 0, p.failure
	}
	return p.position, nil
}

// SetPosition seeks. Targets past the live edge are clamped to it.
func (p *Player) SetPosition(_ context.Context, s float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return p.failure
	}
	p.position = min(max(s, 0), p.edge)
	return nil
}

func (p *Player) PlaybackRate(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return 0, p.failure
	}
	return p.rate, nil
}

// SetPlaybackRate applies a regulator rate. Listeners are not notified.
func (p *Player) SetPlaybackRate(_ context.Context, r float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return 0, p.failure
	}
	p.rate = r
	return p.rate, nil
}

// BroadcasterLatency implements regulator.LatencyReporter.
func (p *Player) BroadcasterLatency(context.Context) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcasterLatency, p.broadcasterLatency != ""
}

// LatencyModeText implements modesignal.TextReader.
func (p *Player) LatencyModeText(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure != nil {
		return "", p.failure
	}
	return p.modeLabel, nil
}
