package regulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakePort is a test double for MediaPort. It reports whatever the test sets and
// records every command it receives.
type fakePort struct {
	mu sync.Mutex

	bufferedEnd float64
	hasBuffer   bool
	bufferedErr error
	position    float64
	rate        float64

	rateErr error
	seekErr error

	setRateCalls []float64
	seekCalls    []float64
}

func newFakePort(bufferedEnd, position float64) *fakePort {
	return &fakePort{
		bufferedEnd: bufferedEnd,
		hasBuffer:   true,
		position:    position,
		rate:        1.0,
	}
}

func (p *fakePort) BufferedEnd(context.Context) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bufferedErr != nil {
		return 0, false, p.bufferedErr
	}
	return p.bufferedEnd, p.hasBuffer, nil
}

func (p *fakePort) CurrentPosition(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, nil
}

func (p *fakePort) SetPosition(_ context.Context, s float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seekCalls = append(p.seekCalls, s)
	if p.seekErr != nil {
		return p.seekErr
	}
	p.position = s
	return nil
}

func (p *fakePort) PlaybackRate(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate, nil
}

func (p *fakePort) SetPlaybackRate(_ context.Context, r float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setRateCalls = append(p.setRateCalls, r)
	if p.rateErr != nil {
		return 0, p.rateErr
	}
	p.rate = r
	return r, nil
}

// setBuffer places the playback position so that bufferMemory equals mem.
func (p *fakePort) setBuffer(end, mem float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bufferedEnd = end
	p.position = end - mem
	p.hasBuffer = true
}

func (p *fakePort) commands() (rates, seeks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.setRateCalls), len(p.seekCalls)
}

// latencyPort adds the optional broadcaster latency capability.
type latencyPort struct {
	*fakePort
	text string
}

func (p latencyPort) BroadcasterLatency(context.Context) (string, bool) {
	return p.text, p.text != ""
}

// fakeModes is a settable ModeSignal.
type fakeModes struct {
	mu   sync.Mutex
	mode Mode
	err  error
}

func (m *fakeModes) set(mode Mode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode, m.err = mode, err
}

func (m *fakeModes) CurrentMode(context.Context) (Mode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.err
}

// failingStore fails every Load.
type failingStore struct{}

func (failingStore) Load(Mode) (Config, error)  { return Config{}, errors.New("disk on fire") }
func (failingStore) Save(Mode, Config) error    { return errors.New("disk on fire") }

// editingStore wraps a MemoryStore and runs onLoad once, right after the first Load
// of mode, to interleave an edit with a tick.
type editingStore struct {
	*MemoryStore

	mu     sync.Mutex
	mode   Mode
	onLoad func()
}

func (s *editingStore) Load(mode Mode) (Config, error) {
	cfg, err := s.MemoryStore.Load(mode)

	s.mu.Lock()
	fn := s.onLoad
	if mode == s.mode {
		s.onLoad = nil
	} else {
		fn = nil
	}
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return cfg, err
}

// slowPort holds every BufferedEnd call for delay and tracks how many overlap.
type slowPort struct {
	*fakePort
	delay time.Duration

	statsMu     sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
}

func (p *slowPort) BufferedEnd(ctx context.Context) (float64, bool, error) {
	p.statsMu.Lock()
	p.calls++
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.statsMu.Unlock()

	time.Sleep(p.delay)

	p.statsMu.Lock()
	p.inFlight--
	p.statsMu.Unlock()
	return p.fakePort.BufferedEnd(ctx)
}

func (p *slowPort) stats() (calls, maxInFlight int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.calls, p.maxInFlight
}

// recordingSink keeps every published sample, skip and closed session.
type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
	skips   []string
	closed  []string
}

func (r *recordingSink) Publish(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recordingSink) TickSkipped(_ string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips = append(r.skips, reason)
}

func (r *recordingSink) SessionClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

func (r *recordingSink) closedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *recordingSink) last() Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples[len(r.samples)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

// waitUntil polls cond until it returns true or timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
