package regulator

import (
	"fmt"
	"math"
	"time"
)

// This file holds the control law as a pure reducer:
//
//   - Observation: what the port reported at the start of a tick
//   - Command: side effects requested by the reducer (rate change, seek)
//   - Reduce(): computes next state + commands, without performing I/O
//
// The session is responsible for executing Commands against the MediaPort
// (see effects.go) and for the mode/config handling that needs I/O.

// ==============================
// Observations
// ==============================

// Observation is one reading of the media port.
type Observation struct {
	BufferedEnd float64
	Position    float64
	// Rate is the current device playback rate.
	Rate float64
	At   time.Time
}

// BufferMemory is the amount of media buffered ahead of the playback position.
func (o Observation) BufferMemory() float64 {
	return o.BufferedEnd - o.Position
}

// ==============================
// Commands (side effects)
// ==============================

// Command is a side effect to be executed against the MediaPort.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetRate requests a playback rate change. Rate is already clamped.
type CmdSetRate struct {
	Rate float64
}

func (CmdSetRate) commandMarker() {}
func (c CmdSetRate) String() string {
	return fmt.Sprintf("CmdSetRate(rate=%.3f)", c.Rate)
}

// CmdSeek requests a forward seek.
type CmdSeek struct {
	Position float64
	Reason   SeekReason
}

func (CmdSeek) commandMarker() {}
func (c CmdSeek) String() string {
	return fmt.Sprintf("CmdSeek(position=%.3f, reason=%s)", c.Position, c.Reason)
}

// ==============================
// Reducer
// ==============================

// Transition records a state machine move made during a reduction.
type Transition struct {
	From, To Phase
	Reason   string
}

// Decision is the output of Reduce.
type Decision struct {
	State       ControlState
	Commands    []Command
	Transitions []Transition
	// Sample is filled with everything the reducer knows; the session adds the
	// session id, broadcaster latency and command outcomes.
	Sample Sample
}

// Reduce runs one control cycle on s for the reading obs.
//
// Rules:
//   - Must not perform I/O
//   - Must not block
//   - The returned state is the committed decision, even if a command later fails
func Reduce(s ControlState, obs Observation) Decision {
	cfg := s.Config
	target := cfg.TargetLatency
	bufferMemory := obs.BufferMemory()
	errSec := bufferMemory - target

	d := Decision{}
	rate := obs.Rate
	seek := SeekReason("")

	move := func(from Phase, reason string) {
		d.Transitions = append(d.Transitions, Transition{From: from, To: s.Phase(), Reason: reason})
	}

	// Anti-spike: flush an oversized buffer with a forward seek, then drain at the
	// recovery rate until the buffer is back near the target.
	if bufferMemory > cfg.MaxBufferThreshold && !s.AntiSpikeActive {
		from := s.Phase()
		s.AntiSpikeActive = true
		if pos := obs.BufferedEnd - antiSpikeSeekFraction*cfg.MaxBufferThreshold; pos > obs.Position {
			d.Commands = append(d.Commands, CmdSeek{Position: pos, Reason: SeekAntiSpike})
			seek = SeekAntiSpike
		}
		move(from, "buffer_spike")
	}
	if s.AntiSpikeActive && bufferMemory <= target+antiSpikeReleaseMargin {
		from := s.Phase()
		s.AntiSpikeActive = false
		move(from, "buffer_normalized")
	}

	if s.AntiSpikeActive {
		if bufferMemory > target+catchUpMargin {
			if cmd, ok := rateCommand(cfg, rate, antiSpikeRate); ok {
				d.Commands = append(d.Commands, cmd)
				rate = cmd.Rate
			}
		}
		s.LastAppliedRate = rate
		return d.finish(s, obs, bufferMemory, errSec, rate, seek)
	}

	// Dead zone with hysteresis: entered from [lo, target) (or [lo, hi] when
	// symmetric), kept while inside [lo, hi], left only strictly outside.
	lo, hi := cfg.DeadZoneBounds()
	from := s.Phase()
	entering := bufferMemory >= lo && (bufferMemory < target || (cfg.SymmetricDeadZone && bufferMemory <= hi))
	switch {
	case entering:
		if !s.InDeadZone {
			s.InDeadZone = true
			move(from, "enter")
		}
	case s.InDeadZone && bufferMemory >= lo && bufferMemory <= hi:
		// stay
	case s.InDeadZone && bufferMemory > hi:
		s.InDeadZone = false
		move(from, "exit_top")
	case s.InDeadZone && bufferMemory < lo:
		s.InDeadZone = false
		move(from, "exit_bottom")
	}

	if s.InDeadZone {
		if cmd, ok := rateCommand(cfg, rate, normalRate); ok {
			d.Commands = append(d.Commands, cmd)
			rate = cmd.Rate
		}
		s.LastAppliedRate = rate
		return d.finish(s, obs, bufferMemory, errSec, rate, seek)
	}

	// Proportional law.
	boost := 1.0
	if math.Abs(errSec) > boostErrorThreshold {
		boost = boostFactor
	}
	candidate := cfg.ClampRate(normalRate + cfg.ProportionalGain*errSec*boost)

	previous := s.LastAppliedRate
	if cmd, ok := rateCommand(cfg, rate, candidate); ok {
		d.Commands = append(d.Commands, cmd)
		rate = cmd.Rate
	}

	if math.Abs(rate-previous) > rateEpsilon && bufferMemory > target+catchUpMargin {
		if pos := obs.BufferedEnd - target; pos > obs.Position {
			d.Commands = append(d.Commands, CmdSeek{Position: pos, Reason: SeekCatchUp})
			seek = SeekCatchUp
		}
	}

	s.LastAppliedRate = rate
	return d.finish(s, obs, bufferMemory, errSec, rate, seek)
}

func (d Decision) finish(s ControlState, obs Observation, bufferMemory, errSec, rate float64, seek SeekReason) Decision {
	lo, hi := s.Config.DeadZoneBounds()
	d.State = s
	d.Sample = Sample{
		At:                 obs.At,
		Mode:               s.Mode,
		State:              s.Phase(),
		BufferMemory:       bufferMemory,
		Error:              errSec,
		AppliedRate:        rate,
		TargetLatency:      s.Config.TargetLatency,
		DeadZoneLow:        lo,
		DeadZoneHigh:       hi,
		MaxBufferThreshold: s.Config.MaxBufferThreshold,
		Seek:               seek,
	}
	return d
}

// rateCommand applies the rate application rule: clamp the request to the
// configured bounds, and suppress it when it is within rateEpsilon of current.
func rateCommand(cfg Config, current, requested float64) (CmdSetRate, bool) {
	r := cfg.ClampRate(requested)
	if math.Abs(current-r) < rateEpsilon {
		return CmdSetRate{}, false
	}
	return CmdSetRate{Rate: r}, true
}

// ApplyRate reports the rate that a request would leave the device at, and whether
// a device command is needed to get there.
func ApplyRate(cfg Config, current, requested float64) (float64, bool) {
	cmd, ok := rateCommand(cfg, current, requested)
	if !ok {
		return current, false
	}
	return cmd.Rate, true
}
