// Package regulator keeps the buffer memory of a live media stream near an
// operator-chosen target by adjusting playback rate and seeking forward.
package regulator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Options configures a Controller. Store, Modes and Sink are optional.
type Options struct {
	// Store persists per-mode config. Defaults to an in-memory store.
	Store ConfigStore
	// Modes reports the active latency mode. Defaults to always NORMAL.
	Modes ModeSignal
	// Sink receives per-tick samples.
	Sink Sink

	Logger *slog.Logger
	// Now is the clock used for sample timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Controller attaches sessions to media sources and routes operator config edits to
// them. Sessions share no mutable state; the Controller only tracks them.
type Controller struct {
	store  ConfigStore
	modes  ModeSignal
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	// editMu serializes load-merge-save of config edits.
	editMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Controller.
func New(opts Options) *Controller {
	c := &Controller{
		store:    opts.Store,
		modes:    opts.Modes,
		sink:     opts.Sink,
		logger:   opts.Logger,
		now:      opts.Now,
		sessions: make(map[string]*Session),
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.modes == nil {
		c.modes = StaticMode(ModeNormal)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Attach binds port, loads the config for the detected mode, and starts the
// scheduler. It fails with ErrNoMediaSource if the port cannot report buffered
// ranges.
//
// The session outlives ctx's cancellation; only Detach stops it.
func (c *Controller) Attach(ctx context.Context, port MediaPort) (*Session, error) {
	s, err := c.attach(ctx, port)
	if err != nil {
		return nil, err
	}
	s.start(context.WithoutCancel(ctx))
	return s, nil
}

// attach builds and registers a session without starting its scheduler.
func (c *Controller) attach(ctx context.Context, port MediaPort) (*Session, error) {
	if port == nil {
		return nil, ErrNoMediaSource
	}
	if _, _, err := port.BufferedEnd(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMediaSource, err)
	}

	undetected := false
	mode := c.readMode(ctx, c.logger, &undetected)
	cfg := c.loadConfig(mode)

	rate, err := port.PlaybackRate(ctx)
	if err != nil {
		c.logger.Debug("initial playback rate unavailable, assuming 1.0", "error", err)
		rate = normalRate
	}

	s := newSession(c, port, NewControlState(mode, cfg, rate))
	s.modeUndefined = undetected

	c.mu.Lock()
	c.sessions[s.ID()] = s
	c.mu.Unlock()

	s.logger.Info("session attached", "mode", mode, "target_latency", cfg.TargetLatency,
		"interval", cfg.Interval())
	return s, nil
}

// Detach stops the session's scheduler and releases its state. It is idempotent and
// safe to call while a tick is pending; no command fires after it returns.
func (c *Controller) Detach(s *Session) {
	if s == nil {
		return
	}
	c.mu.Lock()
	delete(c.sessions, s.ID())
	c.mu.Unlock()

	s.stop()
}

// Replace detaches old (if any) and attaches port in its place, so the new source
// starts from a fresh state.
func (c *Controller) Replace(ctx context.Context, old *Session, port MediaPort) (*Session, error) {
	c.Detach(old)
	return c.Attach(ctx, port)
}

// Close detaches every session.
func (c *Controller) Close() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		c.Detach(s)
	}
}

// OnConfigEdited merges patch into the stored config for mode, validates it,
// persists it, and queues it for every session currently in mode. It returns the
// resulting config.
func (c *Controller) OnConfigEdited(mode Mode, patch ConfigPatch) (Config, error) {
	if !mode.Valid() {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	c.editMu.Lock()
	defer c.editMu.Unlock()

	next := patch.ApplyTo(c.loadConfig(mode))
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	if err := c.store.Save(mode, next); err != nil {
		return Config{}, fmt.Errorf("save config for %s: %w", mode, err)
	}

	c.logger.Info("config edited", "mode", mode, "target_latency", next.TargetLatency,
		"kp", next.ProportionalGain, "max_buffer_threshold", next.MaxBufferThreshold,
		"dead_zone", next.DeadZoneWidth, "interval", next.Interval())

	for _, s := range c.snapshot() {
		s.offerConfig(mode, next)
	}
	return next, nil
}

// Config returns the effective stored config for mode.
func (c *Controller) Config(mode Mode) (Config, error) {
	if !mode.Valid() {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return c.loadConfig(mode), nil
}

// Sessions returns the status of every attached session ordered by id.
func (c *Controller) Sessions() []Status {
	sessions := c.snapshot()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (c *Controller) snapshot() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// loadConfig loads the config for mode, falling back to the built-in defaults when
// the store fails or returns a config that breaks an invariant.
func (c *Controller) loadConfig(mode Mode) Config {
	cfg, err := c.store.Load(mode)
	if err != nil {
		c.logger.Warn("config load failed, using defaults", "mode", mode, "error", err)
		return DefaultConfig(mode)
	}
	if err := cfg.Validate(); err != nil {
		c.logger.Warn("stored config out of range, using defaults", "mode", mode, "error", err)
		return DefaultConfig(mode)
	}
	return cfg
}

// readMode polls the mode signal. Undeterminable modes fall back to NORMAL; the
// advisory is logged once per streak, tracked through undetected.
func (c *Controller) readMode(ctx context.Context, logger *slog.Logger, undetected *bool) Mode {
	mode, err := c.modes.CurrentMode(ctx)
	if err == nil && mode.Valid() {
		if *undetected {
			logger.Info("latency mode detected again", "mode", mode)
			*undetected = false
		}
		return mode
	}
	if !*undetected {
		logger.Warn("latency mode not detected, assuming normal", "error", err, "reported", mode)
		*undetected = true
	}
	return ModeNormal
}
