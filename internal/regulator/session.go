package regulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// notAvailable is reported for the broadcaster latency when the port cannot provide it.
const notAvailable = "N/A"

// Session regulates one attached media source. It owns the ControlState for that
// source and a scheduler goroutine that ticks every Config.SampleIntervalMS.
//
// Ticks are strictly sequential: the scheduler and direct Tick callers serialize on
// tickMu, and the ticker drops periods that elapse while a tick is running.
type Session struct {
	id     uuid.UUID
	ctrl   *Controller
	port   MediaPort
	logger *slog.Logger

	// tickMu guards everything below it; held for the duration of a tick.
	tickMu        sync.Mutex
	state         ControlState
	last          *Sample
	detached      bool
	modeUndefined bool

	// pending holds config edits delivered between ticks, keyed by mode.
	pendingMu sync.Mutex
	pending   map[Mode]Config

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSession(ctrl *Controller, port MediaPort, state ControlState) *Session {
	id := uuid.New()
	return &Session{
		id:      id,
		ctrl:    ctrl,
		port:    port,
		logger:  ctrl.logger.With("session", id.String()),
		state:   state,
		pending: make(map[Mode]Config),
		done:    make(chan struct{}),
	}
}

// ID returns the session handle identifier.
func (s *Session) ID() string { return s.id.String() }

// start launches the scheduler goroutine.
func (s *Session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// run is the scheduler loop:
//   - Ticks on the active config's interval
//   - Restarts its ticker when a tick leaves a different interval in effect
//   - Exits when ctx is canceled (Detach)
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("regulator started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("regulator stopping (detached)")
			return

		case <-ticker.C:
			// A period may have been queued right before detach.
			if ctx.Err() != nil {
				return
			}
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("tick completed with warnings", "error", err)
			}

			if next := s.interval(); next != interval {
				s.logger.Info("sample interval changed", "from", interval, "to", next)
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Session) interval() time.Duration {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.state.Config.Interval()
}

// Tick performs one control cycle. It is normally driven by the scheduler.
//
// A nil return means every command was accepted or nothing needed doing. A non-nil
// error other than ErrDetached is a non-fatal warning made of *CommandError values;
// the control decision is kept either way.
func (s *Session) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.detached {
		return ErrDetached
	}

	s.syncMode(ctx)

	end, ok, err := s.port.BufferedEnd(ctx)
	if err != nil {
		s.skip(SkipBufferedError)
		s.logger.Debug("tick skipped: buffered range unavailable", "error", err)
		return nil
	}
	if !ok {
		s.skip(SkipBufferedEmpty)
		return nil
	}
	pos, err := s.port.CurrentPosition(ctx)
	if err != nil {
		s.skip(SkipPositionError)
		s.logger.Debug("tick skipped: position unavailable", "error", err)
		return nil
	}
	rate, err := s.port.PlaybackRate(ctx)
	if err != nil {
		s.logger.Debug("playback rate unavailable, using last applied", "error", err)
		rate = s.state.LastAppliedRate
	}

	d := Reduce(s.state, Observation{
		BufferedEnd: end,
		Position:    pos,
		Rate:        rate,
		At:          s.ctrl.now(),
	})
	s.state = d.State

	for _, t := range d.Transitions {
		s.logger.Info("state transition", "from", t.From, "to", t.To, "reason", t.Reason,
			"buffer_memory", d.Sample.BufferMemory)
	}

	res := runEffects(ctx, s.port, d.Commands, s.logger)
	if res.rateSet {
		s.state.LastAppliedRate = res.rate
	}

	sample := d.Sample
	sample.SessionID = s.ID()
	sample.AppliedRate = s.state.LastAppliedRate
	sample.CommandFailures = len(res.failures)
	sample.BroadcasterLatency = s.broadcasterLatency(ctx)
	s.last = &sample

	if s.ctrl.sink != nil {
		s.ctrl.sink.Publish(sample)
	}

	return res.err()
}

// syncMode polls the mode signal and, on change, reloads the config and resets the
// state flags. Otherwise it swaps in a pending edit for the active mode.
func (s *Session) syncMode(ctx context.Context) {
	mode := s.ctrl.readMode(ctx, s.logger, &s.modeUndefined)

	if mode != s.state.Mode {
		cfg := s.ctrl.loadConfig(mode)
		// An edit saved after the load is queued; it wins over what was read.
		if p, ok := s.takePending(mode); ok {
			cfg = p
		}
		s.logger.Info("latency mode changed", "from", s.state.Mode, "to", mode,
			"target_latency", cfg.TargetLatency)
		s.state = s.state.WithMode(mode, cfg)
		return
	}

	if cfg, ok := s.takePending(mode); ok {
		s.logger.Info("config applied", "mode", mode, "target_latency", cfg.TargetLatency,
			"dead_zone", cfg.DeadZoneWidth, "kp", cfg.ProportionalGain)
		s.state.Config = cfg
	}
}

func (s *Session) skip(reason string) {
	if so, ok := s.ctrl.sink.(SkipObserver); ok {
		so.TickSkipped(s.ID(), reason)
	}
}

func (s *Session) broadcasterLatency(ctx context.Context) string {
	lr, ok := s.port.(LatencyReporter)
	if !ok {
		return notAvailable
	}
	text, ok := lr.BroadcasterLatency(ctx)
	if !ok || text == "" {
		return notAvailable
	}
	return text
}

// offerConfig queues cfg for mode; it takes effect at the start of the next tick if
// mode is active then.
func (s *Session) offerConfig(mode Mode, cfg Config) {
	s.pendingMu.Lock()
	s.pending[mode] = cfg
	s.pendingMu.Unlock()
}

func (s *Session) takePending(mode Mode) (Config, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	cfg, ok := s.pending[mode]
	clear(s.pending)
	return cfg, ok
}

// State returns a copy of the session's control state.
func (s *Session) State() ControlState {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.state
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() Status {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	st := Status{
		SessionID: s.ID(),
		Mode:      s.state.Mode,
		State:     s.state.Phase(),
		Config:    s.state.Config,
	}
	if s.last != nil {
		last := *s.last
		st.LastSample = &last
	}
	return st
}

// stop cancels the scheduler, waits for it, and marks the session detached.
// Once it returns no further command is issued by this session.
func (s *Session) stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}

		// Waits for an in-flight direct Tick.
		s.tickMu.Lock()
		s.detached = true
		s.state = ControlState{}
		s.last = nil
		s.tickMu.Unlock()

		if co, ok := s.ctrl.sink.(CloseObserver); ok {
			co.SessionClosed(s.ID())
		}
		s.logger.Info("session detached")
	})
}
